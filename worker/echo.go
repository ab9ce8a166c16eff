package worker

import (
	"context"
	"strings"
	"time"

	"github.com/agime-team/agentstream/runtime"
)

// EchoRunner streams the prompt back word by word. It needs no provider
// and is used for local development and tests.
type EchoRunner struct {
	// Delay is the pause between words.
	Delay time.Duration
}

// Run implements Runner.
func (r EchoRunner) Run(ctx context.Context, task Task, emit runtime.EventEmitter) error {
	words := strings.Fields(task.Prompt)
	emit(runtime.NewEvent(runtime.EventTurn, task.ID).
		WithPayload("current", 1).
		WithPayload("max", 1))

	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if r.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Delay):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(runtime.Text(task.ID, word))
	}
	return nil
}

var _ Runner = EchoRunner{}
