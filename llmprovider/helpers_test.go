package llmprovider

import (
	"testing"

	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/runtime"
	"github.com/agime-team/agentstream/worker"
)

func newTestDriver(t *testing.T, runner worker.Runner, onEvent runtime.EventHandler) *worker.Driver {
	t.Helper()
	d, err := worker.NewDriver(worker.DriverConfig{
		Registry: execution.NewRegistry[runtime.Event](execution.Config{Kind: "chat"}),
		Runner:   runner,
		OnEvent:  onEvent,
	})
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	return d
}
