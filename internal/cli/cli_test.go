package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swpttrade/internal/outbox/outboxtest"
	"swpttrade/internal/runner"
	"swpttrade/internal/store/memstore"
	"swpttrade/pkg/config"
	"swpttrade/pkg/logger"
)

func TestRolesAreRegistered(t *testing.T) {
	root := NewRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, role := range []string{
		"solver", "worker", "consume-messages", "flush-messages", "fetch-debtor-infos",
		"trigger-transfers", "process-dispatching", "handle-pristine-collectors", "scan", "migrate",
	} {
		assert.Contains(t, names, role)
	}
}

func TestLoopFlags(t *testing.T) {
	root := NewRootCommand()
	cmd, _, err := root.Find([]string{"flush-messages"})
	require.NoError(t, err)

	require.NoError(t, cmd.ParseFlags([]string{"-p", "4", "-w", "250ms", "--quit-early"}))
	p, err := cmd.Flags().GetInt("processes")
	require.NoError(t, err)
	assert.Equal(t, 4, p)
	w, err := cmd.Flags().GetDuration("wait")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, w)
	q, err := cmd.Flags().GetBool("quit-early")
	require.NoError(t, err)
	assert.True(t, q)
}

func TestDefaultWait(t *testing.T) {
	root := NewRootCommand()
	cmd, _, err := root.Find([]string{"solver"})
	require.NoError(t, err)
	w, err := cmd.Flags().GetDuration("wait")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, w)
}

func TestMigrateRejectsUnknownDatabase(t *testing.T) {
	err := runMigrate("ledger", "up", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database")
}

func TestScanRequiresTable(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"scan"})
	require.Error(t, root.Execute())
}

func TestProcessDispatchingGivesEachProcessItsOwnService(t *testing.T) {
	a := &app{
		cfg:    &config.Config{},
		logger: logger.NewNop(),
		worker: memstore.NewWorkerStore(),
		writer: outboxtest.NewWriter(),
	}
	newStep, err := processDispatching(a)
	require.NoError(t, err)
	err = runner.Run(context.Background(), "process-dispatching", newStep,
		runner.Options{Processes: 4, QuitEarly: true}, a.logger)
	require.NoError(t, err)
}
