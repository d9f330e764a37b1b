package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/crmweb/internal/ledger"
	"github.com/xiaot623/crmweb/internal/persist"
	"github.com/xiaot623/crmweb/internal/repository"
	"github.com/xiaot623/crmweb/internal/supervisor"
)

// Stack is a run pipeline backed by an in-memory store and a shell worker.
type Stack struct {
	Store  *repository.SQLiteStore
	Sink   *persist.Sink
	Ledger *ledger.Ledger
}

// ShellSupervisor returns a supervisor whose worker runs script with /bin/sh.
func ShellSupervisor(script string) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		Command:          "/bin/sh",
		Args:             []string{"-c", script},
		TerminateTimeout: 200 * time.Millisecond,
	})
}

// NewStack wires a ledger running script as its worker. Everything is shut
// down when the test ends.
func NewStack(t *testing.T, script string, cfg ledger.Config) *Stack {
	t.Helper()

	store := NewTestSQLiteStore(t)
	sink := persist.New(store, persist.Options{})
	runs := ledger.New(cfg, ledger.Supervised(ShellSupervisor(script)), sink)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runs.Shutdown(ctx)
		sink.Close()
	})

	return &Stack{Store: store, Sink: sink, Ledger: runs}
}
