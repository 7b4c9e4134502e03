package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrNotConnected      = errors.New("peer not connected")
	ErrNegotiationFailed = errors.New("peer negotiation failed")
	ErrWrongRole         = errors.New("operation not valid for this role")
	ErrRenegotiation     = errors.New("a different remote signal was already applied")
	ErrEmptySignal       = errors.New("empty remote signal")
	ErrNotStarted        = errors.New("peer connection not started")
	ErrAlreadyStarted    = errors.New("peer connection already started")
	ErrClosed            = errors.New("peer connection closed")
)

// Handlers receive manager notifications. They run on the manager's event
// loop one at a time and must not call Close.
type Handlers struct {
	OnLocalSignal func(blob string)
	OnData        func(data []byte)
	OnStateChange func(state State)
}

type eventKind int

const (
	evStart eventKind = iota
	evLocalSignal
	evSignalSent
	evOpen
	evData
	evClosed
	evFailed
)

type event struct {
	kind eventKind
	blob string
	data []byte
	err  error
	// negotiation marks errors raised by the transport, which are reported
	// as ErrNegotiationFailed while the handshake is pending.
	negotiation bool
}

// Manager owns one transport and its connection state machine. All state
// transitions happen on a single event-loop goroutine; transport callbacks
// and asynchronous negotiation results are queued to it.
type Manager struct {
	role      Role
	handlers  Handlers
	logger    *slog.Logger
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	mu       sync.Mutex
	state    State
	err      error
	starting bool
	started  bool
	offered  bool
	remote   string
	closed   bool

	// cbMu is held while a handler runs so Close can wait one out.
	cbMu sync.Mutex

	closeOnce   sync.Once
	closeErr    error
	releaseOnce sync.Once
	releaseErr  error
}

// NewManager builds the transport for role and starts the event loop. The
// manager stays Idle until Start.
func NewManager(role Role, newTransport TransportFactory, handlers Handlers, logger *slog.Logger) (*Manager, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %d", role)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		role:     role,
		handlers: handlers,
		logger:   logger.With("role", role.String()),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, 256),
		done:     make(chan struct{}),
		state:    Idle,
	}

	t, err := newTransport(role, TransportEvents{
		OnOpen:    func() { m.post(event{kind: evOpen}) },
		OnMessage: func(data []byte) { m.post(event{kind: evData, data: data}) },
		OnClose:   func() { m.post(event{kind: evClosed}) },
		OnError:   func(err error) { m.post(event{kind: evFailed, err: err, negotiation: true}) },
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: create transport: %w", ErrNegotiationFailed, err)
	}
	m.transport = t

	go m.loop()
	return m, nil
}

func (m *Manager) Role() Role {
	return m.role
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the cause of a Failed state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Start moves the manager to Connecting. An initiator immediately begins
// generating its offer.
func (m *Manager) Start() error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.starting:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.starting = true
	m.mu.Unlock()

	m.post(event{kind: evStart})

	// started is only visible once evStart is queued, so every later event
	// is ordered after the Connecting transition.
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	if m.role == Initiator {
		return m.GenerateLocalOffer()
	}
	return nil
}

// GenerateLocalOffer asks the transport for an offer; OnLocalSignal fires
// when it is ready. Calling it again is a no-op.
func (m *Manager) GenerateLocalOffer() error {
	if m.role != Initiator {
		return ErrWrongRole
	}

	m.mu.Lock()
	if err := m.checkUsableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.offered {
		m.mu.Unlock()
		return nil
	}
	m.offered = true
	m.mu.Unlock()

	go func() {
		blob, err := m.transport.CreateOffer(m.ctx)
		if err != nil {
			m.post(event{kind: evFailed, err: fmt.Errorf("create offer: %w", err), negotiation: true})
			return
		}
		m.post(event{kind: evLocalSignal, blob: blob})
	}()
	return nil
}

// AcceptRemoteOffer applies the initiator's offer; the answer is reported
// through OnLocalSignal. Applying the same blob again is a no-op.
func (m *Manager) AcceptRemoteOffer(blob string) error {
	if m.role != Responder {
		return ErrWrongRole
	}
	if err := m.claimRemote(blob); err != nil {
		if errors.Is(err, errDuplicate) {
			return nil
		}
		return err
	}

	go func() {
		answer, err := m.transport.AcceptOffer(m.ctx, blob)
		if err != nil {
			m.post(event{kind: evFailed, err: fmt.Errorf("accept offer: %w", err), negotiation: true})
			return
		}
		m.post(event{kind: evLocalSignal, blob: answer})
	}()
	return nil
}

// AcceptRemoteAnswer applies the responder's answer, completing the
// handshake. Applying the same blob again is a no-op.
func (m *Manager) AcceptRemoteAnswer(blob string) error {
	if m.role != Initiator {
		return ErrWrongRole
	}

	m.mu.Lock()
	offered := m.offered
	m.mu.Unlock()
	if !offered {
		return ErrNotStarted
	}

	if err := m.claimRemote(blob); err != nil {
		if errors.Is(err, errDuplicate) {
			return nil
		}
		return err
	}

	go func() {
		if err := m.transport.AcceptAnswer(m.ctx, blob); err != nil {
			m.post(event{kind: evFailed, err: fmt.Errorf("accept answer: %w", err), negotiation: true})
		}
	}()
	return nil
}

var errDuplicate = errors.New("duplicate remote signal")

// claimRemote records blob as the one remote signal this manager applies.
func (m *Manager) claimRemote(blob string) error {
	if blob == "" {
		return ErrEmptySignal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.remote != "" {
		if m.remote == blob {
			return errDuplicate
		}
		return ErrRenegotiation
	}
	if err := m.checkUsableLocked(); err != nil {
		return err
	}
	m.remote = blob
	return nil
}

func (m *Manager) checkUsableLocked() error {
	switch {
	case m.closed:
		return ErrClosed
	case !m.started:
		return ErrNotStarted
	case m.state.Terminal():
		if m.err != nil {
			return m.err
		}
		return ErrClosed
	}
	return nil
}

// MarkSignalSent records that the local signal reached the signaling
// channel.
func (m *Manager) MarkSignalSent() {
	m.post(event{kind: evSignalSent})
}

// Abort fails the connection with err.
func (m *Manager) Abort(err error) {
	if err == nil {
		err = ErrClosed
	}
	m.post(event{kind: evFailed, err: err})
}

// Send delivers one message to the remote peer.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	ok := m.state == Connected && !m.closed
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	if err := m.transport.Send(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close releases the transport. After Close returns no handler is invoked
// again. It must not be called from inside a handler.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		if !m.state.Terminal() {
			m.state = Closed
		}
		m.mu.Unlock()

		close(m.done)
		m.cancel()

		// wait out a handler that is already running
		m.cbMu.Lock()
		m.cbMu.Unlock()

		m.closeErr = m.release()
	})
	return m.closeErr
}

func (m *Manager) release() error {
	m.releaseOnce.Do(func() {
		m.releaseErr = m.transport.Close()
	})
	return m.releaseErr
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev event) {
	state := m.State()

	switch ev.kind {
	case evStart:
		m.transition(Connecting, nil)

	case evLocalSignal:
		if state != Connecting {
			m.logger.Debug("dropping local signal", "state", state)
			return
		}
		m.emit(func() {
			if m.handlers.OnLocalSignal != nil {
				m.handlers.OnLocalSignal(ev.blob)
			}
		})

	case evSignalSent:
		if state == Connecting {
			m.transition(SignalSent, nil)
		}

	case evOpen:
		if state == Connecting {
			m.transition(SignalSent, nil)
		}
		if m.State() == SignalSent {
			m.transition(Connected, nil)
		}

	case evData:
		if state != Connected {
			m.logger.Debug("dropping data outside connected state", "state", state, "bytes", len(ev.data))
			return
		}
		m.emit(func() {
			if m.handlers.OnData != nil {
				m.handlers.OnData(ev.data)
			}
		})

	case evClosed:
		switch {
		case state == Connected:
			m.transition(Closed, nil)
		case state.Pending():
			m.transition(Failed, fmt.Errorf("%w: transport closed before connecting", ErrNegotiationFailed))
		}

	case evFailed:
		err := ev.err
		if ev.negotiation && state.Pending() && !errors.Is(err, ErrNegotiationFailed) {
			err = fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
		}
		m.transition(Failed, err)
	}
}

// transition moves to state to if the edge is legal, notifying
// OnStateChange exactly once per state entered.
func (m *Manager) transition(to State, cause error) bool {
	m.mu.Lock()
	if m.closed || !canTransition(m.state, to) {
		m.mu.Unlock()
		return false
	}
	from := m.state
	m.state = to
	if to == Failed {
		m.err = cause
	}
	m.mu.Unlock()

	if cause != nil {
		m.logger.Debug("peer state changed", "from", from, "to", to, "error", cause)
	} else {
		m.logger.Debug("peer state changed", "from", from, "to", to)
	}

	m.emit(func() {
		if m.handlers.OnStateChange != nil {
			m.handlers.OnStateChange(to)
		}
	})

	if to.Terminal() {
		go func() {
			if err := m.release(); err != nil {
				m.logger.Debug("transport close failed", "error", err)
			}
		}()
	}
	return true
}

func (m *Manager) emit(f func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	f()
}
