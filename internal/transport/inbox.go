package transport

import (
	"sync"
	"time"
)

const inboxDepth = 16

type inbound struct {
	payload []byte
	reply   *peer
}

// inbox decouples a blocking reader goroutine from Receive so a timed-out
// Receive never leaves a message half-read on the wire.
type inbox struct {
	ch   chan inbound
	done chan struct{}
	dead chan struct{}

	closeOnce sync.Once
	deadOnce  sync.Once
	mu        sync.Mutex
	err       error
}

func newInbox() *inbox {
	return &inbox{
		ch:   make(chan inbound, inboxDepth),
		done: make(chan struct{}),
		dead: make(chan struct{}),
	}
}

// push hands a message to Receive. It reports false once the inbox is closed.
func (b *inbox) push(in inbound) bool {
	select {
	case b.ch <- in:
		return true
	case <-b.done:
		return false
	}
}

// fail marks the reader as gone. Buffered messages remain receivable.
func (b *inbox) fail(err error) {
	b.deadOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.dead)
	})
}

func (b *inbox) close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *inbox) wait(timeout time.Duration) (inbound, error) {
	select {
	case in := <-b.ch:
		return in, nil
	case <-b.done:
		return inbound{}, ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-b.ch:
		return in, nil
	case <-b.dead:
		select {
		case in := <-b.ch:
			return in, nil
		default:
		}
		b.mu.Lock()
		err := b.err
		b.mu.Unlock()
		return inbound{}, err
	case <-b.done:
		return inbound{}, ErrClosed
	case <-timer.C:
		return inbound{}, ErrTimeout
	}
}
