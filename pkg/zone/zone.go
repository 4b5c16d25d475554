package zone

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned by Post once the zone has been told to stop.
var ErrStopped = errors.New("zone stopped")

// Zone is a goroutine that exclusively owns one shard of engine
// state. Other threads never mutate that state directly; they Post
// completions that run on the zone, one at a time, in arrival order.
type Zone struct {
	id     int
	tasks  chan func()
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once
}

// New creates a zone with the given ID and run-queue depth and starts
// its goroutine.
func New(id, queueDepth int) *Zone {
	z := &Zone{
		id:     id,
		tasks:  make(chan func(), queueDepth),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go z.run()
	return z
}

// ID returns the zone's identifier.
func (z *Zone) ID() int {
	return z.id
}

// Post queues fn to run on the zone goroutine. It blocks only if the
// run queue is full.
func (z *Zone) Post(fn func()) error {
	select {
	case <-z.stopCh:
		return fmt.Errorf("post to zone %d: %w", z.id, ErrStopped)
	default:
	}
	select {
	case z.tasks <- fn:
		return nil
	case <-z.stopCh:
		return fmt.Errorf("post to zone %d: %w", z.id, ErrStopped)
	}
}

// PostAndWait runs fn on the zone goroutine and waits for it to
// finish. It must not be called from the zone itself.
func (z *Zone) PostAndWait(fn func()) error {
	done := make(chan struct{})
	if err := z.Post(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Stop refuses further posts, runs whatever is already queued, and
// waits for the zone goroutine to exit.
func (z *Zone) Stop() {
	z.stopOnce.Do(func() { close(z.stopCh) })
	<-z.done
}

func (z *Zone) run() {
	defer close(z.done)
	for {
		select {
		case fn := <-z.tasks:
			fn()
		case <-z.stopCh:
			// Drain what was accepted before the stop.
			for {
				select {
				case fn := <-z.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}
