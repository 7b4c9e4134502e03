package peer_test

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/peer/peertest"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	mu      sync.Mutex
	states  []peer.State
	signals []string
	data    [][]byte
	changed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 1)}
}

func (r *recorder) handlers() peer.Handlers {
	return peer.Handlers{
		OnLocalSignal: func(blob string) { r.record(func() { r.signals = append(r.signals, blob) }) },
		OnData:        func(data []byte) { r.record(func() { r.data = append(r.data, data) }) },
		OnStateChange: func(s peer.State) { r.record(func() { r.states = append(r.states, s) }) },
	}
}

func (r *recorder) record(f func()) {
	r.mu.Lock()
	f()
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() (states []peer.State, signals []string, data [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]peer.State(nil), r.states...), append([]string(nil), r.signals...), append([][]byte(nil), r.data...)
}

func (r *recorder) waitFor(t *testing.T, what string, cond func(states []peer.State, signals []string, data [][]byte) bool) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		if cond(r.snapshot()) {
			return
		}
		select {
		case <-r.changed:
		case <-deadline:
			states, signals, data := r.snapshot()
			t.Fatalf("timed out waiting for %s (states=%v signals=%v data=%d)", what, states, signals, len(data))
		}
	}
}

func (r *recorder) waitState(t *testing.T, want peer.State) {
	t.Helper()
	r.waitFor(t, want.String(), func(states []peer.State, _ []string, _ [][]byte) bool {
		for _, s := range states {
			if s == want {
				return true
			}
		}
		return false
	})
}

func (r *recorder) waitSignal(t *testing.T) string {
	t.Helper()
	r.waitFor(t, "local signal", func(_ []peer.State, signals []string, _ [][]byte) bool { return len(signals) > 0 })
	_, signals, _ := r.snapshot()
	return signals[0]
}

type pair struct {
	pipe         *peertest.Pipe
	init, resp   *peer.Manager
	initR, respR *recorder
}

func newPair(t *testing.T) *pair {
	t.Helper()

	p := &pair{pipe: peertest.NewPipe(), initR: newRecorder(), respR: newRecorder()}
	var err error
	p.init, err = peer.NewManager(peer.Initiator, p.pipe.Factory(), p.initR.handlers(), nil)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	p.resp, err = peer.NewManager(peer.Responder, p.pipe.Factory(), p.respR.handlers(), nil)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	t.Cleanup(func() {
		_ = p.init.Close()
		_ = p.resp.Close()
	})
	return p
}

// connect runs the full handshake and returns the offer and answer blobs.
func (p *pair) connect(t *testing.T) (string, string) {
	t.Helper()

	if err := p.init.Start(); err != nil {
		t.Fatalf("initiator Start: %v", err)
	}
	offer := p.initR.waitSignal(t)
	p.init.MarkSignalSent()

	if err := p.resp.Start(); err != nil {
		t.Fatalf("responder Start: %v", err)
	}
	if err := p.resp.AcceptRemoteOffer(offer); err != nil {
		t.Fatalf("AcceptRemoteOffer: %v", err)
	}
	answer := p.respR.waitSignal(t)
	p.resp.MarkSignalSent()

	if err := p.init.AcceptRemoteAnswer(answer); err != nil {
		t.Fatalf("AcceptRemoteAnswer: %v", err)
	}
	p.initR.waitState(t, peer.Connected)
	p.respR.waitState(t, peer.Connected)
	return offer, answer
}

func TestHandshakeReachesConnectedInOrder(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	want := []peer.State{peer.Connecting, peer.SignalSent, peer.Connected}
	for name, r := range map[string]*recorder{"initiator": p.initR, "responder": p.respR} {
		states, _, _ := r.snapshot()
		if fmt.Sprint(states) != fmt.Sprint(want) {
			t.Fatalf("%s states = %v, want %v", name, states, want)
		}
	}
	if p.init.State() != peer.Connected || p.resp.State() != peer.Connected {
		t.Fatalf("unexpected states: %v / %v", p.init.State(), p.resp.State())
	}
}

func TestOpenBeforeSignalSentPassesThroughSignalSent(t *testing.T) {
	p := newPair(t)

	if err := p.init.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	offer := p.initR.waitSignal(t)
	if err := p.resp.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.resp.AcceptRemoteOffer(offer); err != nil {
		t.Fatalf("AcceptRemoteOffer: %v", err)
	}
	answer := p.respR.waitSignal(t)
	// neither side reports its signal as sent before the link opens
	if err := p.init.AcceptRemoteAnswer(answer); err != nil {
		t.Fatalf("AcceptRemoteAnswer: %v", err)
	}
	p.initR.waitState(t, peer.Connected)
	p.respR.waitState(t, peer.Connected)

	p.init.MarkSignalSent()
	p.resp.MarkSignalSent()
	p.pipe.Side(peer.Initiator).Flush()

	states, _, _ := p.initR.snapshot()
	want := []peer.State{peer.Connecting, peer.SignalSent, peer.Connected}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestDuplicateRemoteSignalIsNoOp(t *testing.T) {
	p := newPair(t)
	offer, answer := p.connect(t)

	before, _, _ := p.initR.snapshot()
	if err := p.init.AcceptRemoteAnswer(answer); err != nil {
		t.Fatalf("duplicate answer: %v", err)
	}
	if err := p.resp.AcceptRemoteOffer(offer); err != nil {
		t.Fatalf("duplicate offer: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	after, _, _ := p.initR.snapshot()
	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Fatalf("duplicate answer changed state history: %v -> %v", before, after)
	}
	if err := p.resp.AcceptRemoteOffer("offer-999"); !errors.Is(err, peer.ErrRenegotiation) {
		t.Fatalf("expected ErrRenegotiation, got %v", err)
	}
	if p.init.State() != peer.Connected || p.resp.State() != peer.Connected {
		t.Fatal("duplicate signals disturbed connected peers")
	}
}

func TestSendDeliversInOrder(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	const n = 200
	for i := 0; i < n; i++ {
		if err := p.init.Send([]byte(fmt.Sprintf("chunk-%03d", i))); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	p.respR.waitFor(t, "all chunks", func(_ []peer.State, _ []string, data [][]byte) bool { return len(data) == n })
	_, _, data := p.respR.snapshot()
	for i, d := range data {
		if want := fmt.Sprintf("chunk-%03d", i); !bytes.Equal(d, []byte(want)) {
			t.Fatalf("chunk %d = %q, want %q", i, d, want)
		}
	}
}

func TestSendBeforeConnected(t *testing.T) {
	p := newPair(t)
	if err := p.init.Send([]byte("x")); !errors.Is(err, peer.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := p.init.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.initR.waitState(t, peer.Connecting)
	if err := p.init.Send([]byte("x")); !errors.Is(err, peer.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while connecting, got %v", err)
	}
}

func TestRoleGuards(t *testing.T) {
	p := newPair(t)
	if err := p.init.AcceptRemoteOffer("offer-1"); !errors.Is(err, peer.ErrWrongRole) {
		t.Fatalf("initiator AcceptRemoteOffer: expected ErrWrongRole, got %v", err)
	}
	if err := p.resp.AcceptRemoteAnswer("answer-1"); !errors.Is(err, peer.ErrWrongRole) {
		t.Fatalf("responder AcceptRemoteAnswer: expected ErrWrongRole, got %v", err)
	}
	if err := p.resp.GenerateLocalOffer(); !errors.Is(err, peer.ErrWrongRole) {
		t.Fatalf("responder GenerateLocalOffer: expected ErrWrongRole, got %v", err)
	}
	if err := p.resp.AcceptRemoteOffer("offer-1"); !errors.Is(err, peer.ErrNotStarted) {
		t.Fatalf("AcceptRemoteOffer before Start: expected ErrNotStarted, got %v", err)
	}
	if err := p.init.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.init.Start(); !errors.Is(err, peer.ErrAlreadyStarted) {
		t.Fatalf("second Start: expected ErrAlreadyStarted, got %v", err)
	}
}

func TestNegotiationFailureFailsOnce(t *testing.T) {
	p := newPair(t)
	p.pipe.FailAcceptOffer = errors.New("bad sdp")

	if err := p.init.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	offer := p.initR.waitSignal(t)
	if err := p.resp.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.resp.AcceptRemoteOffer(offer); err != nil {
		t.Fatalf("AcceptRemoteOffer: %v", err)
	}

	p.respR.waitState(t, peer.Failed)
	if err := p.resp.Err(); !errors.Is(err, peer.ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}

	p.resp.Abort(errors.New("again"))
	p.pipe.Side(peer.Responder).InjectOpen()
	p.pipe.Side(peer.Responder).Flush()
	time.Sleep(20 * time.Millisecond)

	states, _, _ := p.respR.snapshot()
	want := []peer.State{peer.Connecting, peer.Failed}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	if err := p.resp.Send([]byte("x")); !errors.Is(err, peer.ErrNotConnected) {
		t.Fatalf("Send after failure: expected ErrNotConnected, got %v", err)
	}
}

func TestTransportClosedBeforeConnectIsFailure(t *testing.T) {
	p := newPair(t)
	if err := p.init.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.initR.waitState(t, peer.Connecting)

	p.pipe.Side(peer.Initiator).InjectClose()
	p.initR.waitState(t, peer.Failed)
	if !errors.Is(p.init.Err(), peer.ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", p.init.Err())
	}
}

func TestRemoteCloseAfterConnect(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	if err := p.init.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.respR.waitState(t, peer.Closed)
	if p.resp.Err() != nil {
		t.Fatalf("orderly close recorded an error: %v", p.resp.Err())
	}
	deadline := time.Now().Add(waitTimeout)
	for !p.pipe.Side(peer.Responder).Closed() {
		if time.Now().After(deadline) {
			t.Fatal("responder transport not released after reaching Closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbortFailsWithCallerError(t *testing.T) {
	p := newPair(t)
	if err := p.resp.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cause := errors.New("record store offline")
	p.resp.Abort(cause)
	p.respR.waitState(t, peer.Failed)
	if !errors.Is(p.resp.Err(), cause) {
		t.Fatalf("Err = %v, want %v", p.resp.Err(), cause)
	}
}

func TestNoCallbacksAfterClose(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	if err := p.resp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	states, signals, data := p.respR.snapshot()

	side := p.pipe.Side(peer.Responder)
	side.InjectMessage([]byte("late"))
	side.InjectOpen()
	side.InjectError(errors.New("late failure"))
	side.InjectClose()
	side.Flush()
	p.resp.Abort(errors.New("late abort"))
	p.resp.MarkSignalSent()
	time.Sleep(20 * time.Millisecond)

	s2, sig2, d2 := p.respR.snapshot()
	if len(s2) != len(states) || len(sig2) != len(signals) || len(d2) != len(data) {
		t.Fatalf("callbacks fired after Close: states %v -> %v, data %d -> %d", states, s2, len(data), len(d2))
	}
	if p.resp.State() != peer.Closed {
		t.Fatalf("state after Close = %v", p.resp.State())
	}
	if err := p.resp.Send([]byte("x")); !errors.Is(err, peer.ErrNotConnected) {
		t.Fatalf("Send after Close: expected ErrNotConnected, got %v", err)
	}
}

func TestCloseWaitsForRunningHandler(t *testing.T) {
	pipe := peertest.NewPipe()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	m, err := peer.NewManager(peer.Initiator, pipe.Factory(), peer.Handlers{
		OnStateChange: func(peer.State) {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = m.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return after the handler finished")
	}
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[peer.State]string{
		peer.Idle: "idle", peer.Connecting: "connecting", peer.SignalSent: "signal-sent",
		peer.Connected: "connected", peer.Closed: "closed", peer.Failed: "failed",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
	if !peer.Closed.Terminal() || !peer.Failed.Terminal() || peer.Connected.Terminal() {
		t.Fatal("Terminal misclassifies states")
	}
}
