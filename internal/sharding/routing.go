package sharding

import (
	"fmt"
	"strings"
)

// RoutingKeyBits is the number of hash bits rendered into a routing key.
const RoutingKeyBits = 24

// RoutingKey renders the top 24 bits of a hash as dot-separated binary
// digits, e.g. "1.0.1.1.0...". Bus subscriptions built from a realm pattern
// select exactly the keys the realm owns.
func RoutingKey(hash uint32) string {
	var sb strings.Builder
	sb.Grow(2*RoutingKeyBits - 1)
	for i := 0; i < RoutingKeyBits; i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		if hash&(1<<uint(31-i)) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// IDRoutingKey is the routing key for messages sharded by an id.
func IDRoutingKey(id int64) string {
	return RoutingKey(HashID(id))
}

// StrRoutingKey is the routing key for messages sharded by an IRI.
func StrRoutingKey(s string) string {
	return RoutingKey(HashString(s))
}

// DebtorRoutingKey is the routing key for SMP messages sent to the ledger
// that manages the debtor: the id as 16 hex digits.
func DebtorRoutingKey(debtorID int64) string {
	return fmt.Sprintf("%016x", uint64(debtorID))
}

// Subject returns a bus subject filter that matches every routing key owned
// by the realm under the given prefix.
func (r Realm) Subject(prefix string) string {
	if len(r.bits) == 0 {
		return prefix + ".>"
	}
	parts := make([]string, 0, len(r.bits))
	for _, b := range r.bits {
		parts = append(parts, fmt.Sprint(b))
	}
	return prefix + "." + strings.Join(parts, ".") + ".>"
}
