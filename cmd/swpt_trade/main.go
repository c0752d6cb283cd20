// ==============================================================================
// SWPT TRADE - cmd/swpt_trade/main.go
// ==============================================================================
package main

import (
	"fmt"
	"os"

	"swpttrade/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "swpt_trade:", err)
		os.Exit(1)
	}
}
