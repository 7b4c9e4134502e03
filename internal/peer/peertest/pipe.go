// Package peertest provides an in-memory peer.Transport pair for tests.
package peertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BioHazard786/warplink/internal/peer"
)

var ErrNotOpen = errors.New("pipe not open")

// Pipe connects an initiator and a responder transport in memory. Offers and
// answers are short tokens; messages are delivered in order on a per-side
// serial queue.
type Pipe struct {
	// FailCreateOffer and FailAcceptOffer make negotiation fail.
	FailCreateOffer error
	FailAcceptOffer error

	mu     sync.Mutex
	seq    int
	offer  string
	answer string
	sides  map[peer.Role]*Transport
}

// NewPipe returns an unconnected pipe.
func NewPipe() *Pipe {
	return &Pipe{sides: make(map[peer.Role]*Transport)}
}

// Factory builds the transport for the requested role. Building a role a
// second time replaces that side, so a session can be restarted.
func (p *Pipe) Factory() peer.TransportFactory {
	return func(role peer.Role, events peer.TransportEvents) (peer.Transport, error) {
		t := &Transport{pipe: p, role: role, events: events}
		p.mu.Lock()
		p.sides[role] = t
		p.mu.Unlock()
		return t, nil
	}
}

// Side returns the transport last built for role.
func (p *Pipe) Side(role peer.Role) *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sides[role]
}

func (p *Pipe) other(role peer.Role) *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if role == peer.Initiator {
		return p.sides[peer.Responder]
	}
	return p.sides[peer.Initiator]
}

// Transport is one end of a Pipe.
type Transport struct {
	pipe   *Pipe
	role   peer.Role
	events peer.TransportEvents
	queue  serial

	mu     sync.Mutex
	open   bool
	closed bool
	sent   int
}

func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := t.pipe
	if p.FailCreateOffer != nil {
		return "", p.FailCreateOffer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.offer = fmt.Sprintf("offer-%d", p.seq)
	return p.offer, nil
}

func (t *Transport) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := t.pipe
	if p.FailAcceptOffer != nil {
		return "", p.FailAcceptOffer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if offer != p.offer {
		return "", fmt.Errorf("unknown offer %q", offer)
	}
	p.answer = "answer-" + offer[len("offer-"):]
	return p.answer, nil
}

func (t *Transport) AcceptAnswer(ctx context.Context, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := t.pipe
	p.mu.Lock()
	ok := answer == p.answer
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown answer %q", answer)
	}

	remote := p.other(t.role)
	for _, side := range []*Transport{t, remote} {
		if side == nil {
			continue
		}
		side.mu.Lock()
		side.open = true
		side.mu.Unlock()
		side.InjectOpen()
	}
	return nil
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	ok := t.open && !t.closed
	if ok {
		t.sent++
	}
	t.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}

	remote := t.pipe.other(t.role)
	if remote == nil {
		return ErrNotOpen
	}
	buf := append([]byte(nil), data...)
	remote.InjectMessage(buf)
	return nil
}

// Close closes this side and reports closure to the remote side.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	wasOpen := t.open
	t.open = false
	t.mu.Unlock()

	if remote := t.pipe.other(t.role); remote != nil && wasOpen {
		remote.mu.Lock()
		remote.open = false
		remote.mu.Unlock()
		remote.InjectClose()
	}
	return nil
}

// Closed reports whether Close was called on this side.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Sent returns the number of messages sent from this side.
func (t *Transport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// InjectOpen raises OnOpen on this side.
func (t *Transport) InjectOpen() {
	t.queue.do(func() {
		if t.events.OnOpen != nil {
			t.events.OnOpen()
		}
	})
}

// InjectMessage raises OnMessage on this side.
func (t *Transport) InjectMessage(data []byte) {
	t.queue.do(func() {
		if t.events.OnMessage != nil {
			t.events.OnMessage(data)
		}
	})
}

// InjectClose raises OnClose on this side.
func (t *Transport) InjectClose() {
	t.queue.do(func() {
		if t.events.OnClose != nil {
			t.events.OnClose()
		}
	})
}

// InjectError raises OnError on this side.
func (t *Transport) InjectError(err error) {
	t.queue.do(func() {
		if t.events.OnError != nil {
			t.events.OnError(err)
		}
	})
}

// Flush blocks until every event queued so far has been delivered.
func (t *Transport) Flush() {
	done := make(chan struct{})
	t.queue.do(func() { close(done) })
	<-done
}

// serial runs queued functions one at a time in order, without a
// long-lived goroutine.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serial) do(f func()) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		f()
	}
}
