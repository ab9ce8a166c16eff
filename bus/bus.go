// Package bus provides a bounded multicast channel for execution progress
// events. One producer publishes into a fixed-capacity ring; any number of
// receivers read from it at their own pace. Publishing never blocks: a
// receiver that falls more than a ring's worth behind loses the oldest
// unread events and is told how many it lost.
package bus

import (
	"errors"
	"fmt"
)

// DefaultCapacity absorbs a burst of a few hundred events per execution.
const DefaultCapacity = 512

var (
	// ErrClosed is returned once the producer side is gone and every
	// retained event has been read.
	ErrClosed = errors.New("bus: closed")

	// ErrEmpty is returned by a non-blocking read when nothing is ready.
	ErrEmpty = errors.New("bus: no event ready")
)

// LagError reports that a receiver fell behind the producer. The receiver
// stays usable; the next read returns the oldest event still retained.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("bus: receiver lagged, %d events dropped", e.Skipped)
}

// IsLag reports whether err is a lag indication and returns the drop count.
func IsLag(err error) (uint64, bool) {
	var lag *LagError
	if errors.As(err, &lag) {
		return lag.Skipped, true
	}
	return 0, false
}

// closedSignal is a permanently closed channel returned by Receiver.Wait
// when a read would not block.
var closedSignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
