package transfer

import "sync"

// notifier runs user callbacks one at a time on its own goroutine, so a
// callback may call back into the session. It must not call Close.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	stopped bool

	// cbMu is held while a callback runs so stop can wait one out.
	cbMu sync.Mutex
}

func (n *notifier) do(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.queue = append(n.queue, f)
	if !n.running {
		n.running = true
		go n.drain()
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 || n.stopped {
			n.queue = nil
			n.running = false
			n.mu.Unlock()
			return
		}
		f := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		n.run(f)
	}
}

func (n *notifier) run(f func()) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.mu.Lock()
	stopped := n.stopped
	n.mu.Unlock()
	if !stopped {
		f()
	}
}

// stop drops queued callbacks and waits for a running one to return.
func (n *notifier) stop() {
	n.mu.Lock()
	n.stopped = true
	n.queue = nil
	n.mu.Unlock()

	// wait out a callback that is already running
	n.cbMu.Lock()
	n.cbMu.Unlock()
}
