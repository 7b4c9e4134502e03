package transfer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/peer/peertest"
	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/signaling"
)

const waitTimeout = 3 * time.Second

// flakyStore fails writes while failWrites is set.
type flakyStore struct {
	record.Store

	mu         sync.Mutex
	failWrites error
}

func (f *flakyStore) setFailure(err error) {
	f.mu.Lock()
	f.failWrites = err
	f.mu.Unlock()
}

func (f *flakyStore) UpdateFields(ctx context.Context, id string, p record.Patch) error {
	f.mu.Lock()
	err := f.failWrites
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.UpdateFields(ctx, id, p)
}

// scriptedStore hands record changes to subscribers only when the test says
// so, and records every write.
type scriptedStore struct {
	record.Store

	mu      sync.Mutex
	subs    map[int]func(record.Record)
	next    int
	patches []record.Patch
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{subs: make(map[int]func(record.Record))}
}

func (s *scriptedStore) Subscribe(_ context.Context, _ string, fn func(record.Record)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func (s *scriptedStore) UpdateFields(_ context.Context, _ string, p record.Patch) error {
	s.mu.Lock()
	s.patches = append(s.patches, p)
	s.mu.Unlock()
	return nil
}

func (s *scriptedStore) fire(r record.Record) {
	s.mu.Lock()
	fns := make([]func(record.Record), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (s *scriptedStore) writes() []record.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Patch(nil), s.patches...)
}

func (s *scriptedStore) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type events struct {
	mu       sync.Mutex
	statuses []peer.State
	progress []int64
	errs     []error
	blobs    chan Blob
	// callback names in the order they ran
	order []string
}

func newEvents() *events {
	return &events{blobs: make(chan Blob, 4)}
}

func (e *events) wire(opts *Options) {
	opts.OnStatus = func(s peer.State) {
		e.mu.Lock()
		e.statuses = append(e.statuses, s)
		e.order = append(e.order, s.String())
		e.mu.Unlock()
	}
	opts.OnProgress = func(n, _ int64) {
		e.mu.Lock()
		e.progress = append(e.progress, n)
		e.mu.Unlock()
	}
	opts.OnError = func(err error) {
		e.mu.Lock()
		e.errs = append(e.errs, err)
		e.order = append(e.order, "error")
		e.mu.Unlock()
	}
	opts.OnComplete = func(b Blob) {
		e.mu.Lock()
		e.order = append(e.order, "complete")
		e.mu.Unlock()
		e.blobs <- b
	}
}

func (e *events) errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func (e *events) waitError(t *testing.T) error {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if errs := e.errors(); len(errs) > 0 {
			return errs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for an error")
	return nil
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewSession(%s): %v", opts.Role, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitStatus(t *testing.T, s *Session, want peer.State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	got, err := s.WaitStatus(ctx, want)
	if err != nil || got != want {
		t.Fatalf("status = %v (err %v), want %v", got, err, want)
	}
}

type pair struct {
	store    *record.MemoryStore
	sender   *Session
	receiver *Session
	sendEv   *events
	recvEv   *events
	pipe     *peertest.Pipe
}

// newPair builds two connected sessions sharing one in-memory record whose
// declared size is size.
func newPair(t *testing.T, size int64) *pair {
	t.Helper()

	store := record.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	rec, err := store.Create(context.Background(), record.Record{ID: "r1", Name: "greeting.txt", Size: size, Type: "text/plain"})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	p := &pair{store: store, sendEv: newEvents(), recvEv: newEvents(), pipe: peertest.NewPipe()}
	ch := signaling.NewChannel(store, nil)

	sendOpts := Options{RecordID: rec.ID, Role: peer.Initiator, Channel: ch, NewTransport: p.pipe.Factory(), ChunkSize: 16}
	p.sendEv.wire(&sendOpts)
	p.sender = newTestSession(t, sendOpts)

	recvOpts := Options{
		RecordID:     rec.ID,
		Role:         peer.Responder,
		Channel:      ch,
		NewTransport: p.pipe.Factory(),
		Name:         rec.Name,
		MimeType:     rec.Type,
		ExpectedSize: rec.Size,
	}
	p.recvEv.wire(&recvOpts)
	p.receiver = newTestSession(t, recvOpts)

	if err := p.sender.Start(); err != nil {
		t.Fatalf("sender Start: %v", err)
	}
	if err := p.receiver.Start(); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	waitStatus(t, p.sender, peer.Connected)
	waitStatus(t, p.receiver, peer.Connected)
	return p
}

func threeChunks() io.Reader {
	return io.MultiReader(strings.NewReader("AAA"), strings.NewReader("BB"), strings.NewReader("C"))
}

func TestSessionHappyPath(t *testing.T) {
	p := newPair(t, 6)
	ctx := context.Background()

	if err := p.sender.SendFile(ctx, threeChunks(), "greeting.txt", "text/plain", 6); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	select {
	case blob := <-p.recvEv.blobs:
		if string(blob.Data) != "AAABBC" {
			t.Fatalf("blob = %q, want AAABBC", blob.Data)
		}
		if blob.Name != "greeting.txt" || blob.MimeType != "text/plain" {
			t.Fatalf("blob metadata = %q %q", blob.Name, blob.MimeType)
		}
	case <-time.After(waitTimeout):
		t.Fatal("OnComplete not called")
	}

	select {
	case <-p.sender.Delivered():
	case <-time.After(waitTimeout):
		t.Fatal("sender never saw the acknowledgement")
	}

	p.recvEv.mu.Lock()
	progress := append([]int64(nil), p.recvEv.progress...)
	p.recvEv.mu.Unlock()
	want := []int64{3, 5, 6}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}

	select {
	case blob := <-p.recvEv.blobs:
		t.Fatalf("OnComplete fired twice (%q)", blob.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionStatusSequence(t *testing.T) {
	p := newPair(t, 1)

	p.sendEv.mu.Lock()
	statuses := append([]peer.State(nil), p.sendEv.statuses...)
	p.sendEv.mu.Unlock()

	want := []peer.State{peer.Connecting, peer.SignalSent, peer.Connected}
	if len(statuses) < len(want) {
		// OnStatus runs asynchronously; give the last one a moment
		time.Sleep(50 * time.Millisecond)
		p.sendEv.mu.Lock()
		statuses = append([]peer.State(nil), p.sendEv.statuses...)
		p.sendEv.mu.Unlock()
	}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestSessionSizeOverflowAborts(t *testing.T) {
	p := newPair(t, 4)

	if err := p.sender.SendFile(context.Background(), threeChunks(), "greeting.txt", "text/plain", -1); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	err := p.recvEv.waitError(t)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if !errors.Is(p.receiver.Err(), ErrSizeMismatch) {
		t.Fatalf("Err() = %v", p.receiver.Err())
	}

	select {
	case blob := <-p.recvEv.blobs:
		t.Fatalf("OnComplete fired after overflow (%q)", blob.Data)
	case <-time.After(100 * time.Millisecond):
	}
	if got := len(p.recvEv.errors()); got != 1 {
		t.Fatalf("OnError called %d times", got)
	}
}

func TestSessionShortTransferAborts(t *testing.T) {
	p := newPair(t, 10)

	if err := p.sender.SendFile(context.Background(), threeChunks(), "greeting.txt", "text/plain", -1); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if err := p.recvEv.waitError(t); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	select {
	case <-p.recvEv.blobs:
		t.Fatal("OnComplete fired for a short file")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutcomePrecedesClosedStatus(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		payload string
		want    string
	}{
		{"complete", 6, "AAABBC", "complete"},
		{"short", 10, "AAA", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t, tt.size)

			frame, err := EncodeFrame(FrameChunk, ChunkPayload{Offset: 0, Bytes: []byte(tt.payload)})
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			side := p.pipe.Side(peer.Responder)
			side.InjectMessage(frame)
			side.InjectClose()
			side.Flush()
			waitStatus(t, p.receiver, peer.Closed)

			var order []string
			deadline := time.Now().Add(waitTimeout)
			for time.Now().Before(deadline) {
				p.recvEv.mu.Lock()
				order = append([]string(nil), p.recvEv.order...)
				p.recvEv.mu.Unlock()
				if len(order) > 0 && order[len(order)-1] == peer.Closed.String() {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			outcome, closed := -1, -1
			for i, name := range order {
				switch name {
				case tt.want:
					outcome = i
				case peer.Closed.String():
					closed = i
				}
			}
			if outcome < 0 || closed < 0 || outcome > closed {
				t.Fatalf("callbacks ran in order %v, want %s before %s", order, tt.want, peer.Closed)
			}
		})
	}
}

func TestSendFileChecksDeclaredSize(t *testing.T) {
	p := newPair(t, 6)

	err := p.sender.SendFile(context.Background(), threeChunks(), "greeting.txt", "text/plain", 7)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	var terr *TransferError
	if !errors.As(err, &terr) || terr.File != "greeting.txt" {
		t.Fatalf("expected *TransferError naming the file, got %v", err)
	}
}

func TestSendFileGuards(t *testing.T) {
	store := record.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.Create(context.Background(), record.Record{ID: "r1", Size: 3}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	ch := signaling.NewChannel(store, nil)
	pipe := peertest.NewPipe()

	sender := newTestSession(t, Options{RecordID: "r1", Role: peer.Initiator, Channel: ch, NewTransport: pipe.Factory()})
	if err := sender.SendFile(context.Background(), strings.NewReader("abc"), "a", "", 3); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before Start, got %v", err)
	}
	if err := sender.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sender.Start(); !errors.Is(err, peer.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := sender.SendFile(context.Background(), strings.NewReader("abc"), "a", "", 3); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady while negotiating, got %v", err)
	}

	receiver := newTestSession(t, Options{RecordID: "r1", Role: peer.Responder, Channel: ch, NewTransport: pipe.Factory(), ExpectedSize: 3})
	if err := receiver.SendFile(context.Background(), strings.NewReader("abc"), "a", "", 3); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
}

func TestDuplicateOfferIsNoOp(t *testing.T) {
	store := newScriptedStore()
	pipe := peertest.NewPipe()

	// an initiator transport produces the offer the pipe will accept
	initiator, err := pipe.Factory()(peer.Initiator, peer.TransportEvents{})
	if err != nil {
		t.Fatalf("initiator transport: %v", err)
	}
	offer, err := initiator.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	responder := newTestSession(t, Options{
		RecordID:     "r1",
		Role:         peer.Responder,
		Channel:      signaling.NewChannel(store, nil),
		NewTransport: pipe.Factory(),
		ExpectedSize: 1,
	})
	if err := responder.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	store.fire(record.Record{ID: "r1", Offer: offer})
	waitStatus(t, responder, peer.SignalSent)
	once := responder.Status()

	store.fire(record.Record{ID: "r1", Offer: offer})
	time.Sleep(50 * time.Millisecond)

	if got := responder.Status(); got != once {
		t.Fatalf("status after replay = %v, want %v", got, once)
	}
	writes := store.writes()
	if len(writes) != 1 {
		t.Fatalf("expected one answer write, got %d", len(writes))
	}
	if _, ok := writes[0][record.FieldAnswer]; !ok {
		t.Fatalf("expected an answer write, got %v", writes[0])
	}
}

func TestStartRetriesAfterSignalingFailure(t *testing.T) {
	mem := record.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	if _, err := mem.Create(context.Background(), record.Record{ID: "r1", Size: 1}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	store := &flakyStore{Store: mem}
	store.setFailure(errors.New("connection refused"))

	ch := signaling.NewChannel(store, nil)
	pipe := peertest.NewPipe()
	ev := newEvents()
	opts := Options{RecordID: "r1", Role: peer.Initiator, Channel: ch, NewTransport: pipe.Factory()}
	ev.wire(&opts)
	sender := newTestSession(t, opts)

	if err := sender.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, sender, peer.Failed)
	if !errors.Is(sender.Err(), ErrSignalingUnavailable) {
		t.Fatalf("Err() = %v, want ErrSignalingUnavailable", sender.Err())
	}
	if err := ev.waitError(t); !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("OnError got %v", err)
	}

	store.setFailure(nil)
	if err := sender.Start(); err != nil {
		t.Fatalf("retry Start: %v", err)
	}

	receiver := newTestSession(t, Options{RecordID: "r1", Role: peer.Responder, Channel: ch, NewTransport: pipe.Factory(), ExpectedSize: 1})
	if err := receiver.Start(); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	waitStatus(t, sender, peer.Connected)
	waitStatus(t, receiver, peer.Connected)
}

func TestNegotiationFailureIsTerminal(t *testing.T) {
	store := record.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.Create(context.Background(), record.Record{ID: "r1", Size: 1}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	pipe := peertest.NewPipe()
	pipe.FailCreateOffer = errors.New("no candidates")

	sender := newTestSession(t, Options{RecordID: "r1", Role: peer.Initiator, Channel: signaling.NewChannel(store, nil), NewTransport: pipe.Factory()})
	if err := sender.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, sender, peer.Failed)
	if !errors.Is(sender.Err(), ErrNegotiationFailed) {
		t.Fatalf("Err() = %v", sender.Err())
	}
	if err := sender.Start(); !errors.Is(err, peer.ErrAlreadyStarted) {
		t.Fatalf("negotiation failure must not be retryable, got %v", err)
	}
}

func TestCloseSilencesCallbacks(t *testing.T) {
	p := newPair(t, 6)

	if err := p.receiver.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.recvEv.mu.Lock()
	before := len(p.recvEv.statuses)
	p.recvEv.mu.Unlock()

	frame, err := EncodeFrame(FrameChunk, ChunkPayload{Offset: 0, Bytes: []byte("AAABBC")})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	done, _ := EncodeFrame(FrameTransferDone, nil)
	side := p.pipe.Side(peer.Responder)
	side.InjectMessage(frame)
	side.InjectMessage(done)
	side.InjectClose()
	side.InjectError(errors.New("late"))
	side.Flush()
	time.Sleep(50 * time.Millisecond)

	select {
	case <-p.recvEv.blobs:
		t.Fatal("OnComplete fired after Close")
	default:
	}
	p.recvEv.mu.Lock()
	after := len(p.recvEv.statuses)
	p.recvEv.mu.Unlock()
	if after != before {
		t.Fatalf("OnStatus fired after Close (%d -> %d)", before, after)
	}
	if got := p.receiver.Status(); got != peer.Closed {
		t.Fatalf("Status() = %v", got)
	}
	if !side.Closed() {
		t.Fatal("transport not released")
	}
	if err := p.receiver.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close = %v", err)
	}
}

func TestCloseMidHandshakeUnsubscribes(t *testing.T) {
	store := newScriptedStore()
	pipe := peertest.NewPipe()

	s, err := NewSession(context.Background(), Options{RecordID: "r1", Role: peer.Initiator, Channel: signaling.NewChannel(store, nil), NewTransport: pipe.Factory()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if store.subscribers() != 1 {
		t.Fatalf("subscribers = %d", store.subscribers())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, s, peer.SignalSent)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.subscribers() != 0 {
		t.Fatal("Close did not unsubscribe")
	}
	if !pipe.Side(peer.Initiator).Closed() {
		t.Fatal("Close did not release the transport")
	}
	// a late answer is ignored
	store.fire(record.Record{ID: "r1", Answer: "answer-1"})
	if got := s.Status(); got != peer.Closed {
		t.Fatalf("Status() = %v", got)
	}
}

func TestCloseWaitsForRunningCallback(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool

	s, err := NewSession(context.Background(), Options{
		RecordID:     "r1",
		Role:         peer.Initiator,
		Channel:      signaling.NewChannel(newScriptedStore(), nil),
		NewTransport: peertest.NewPipe().Factory(),
		OnStatus: func(peer.State) {
			once.Do(func() {
				close(entered)
				<-release
				finished.Store(true)
			})
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("OnStatus never ran")
	}

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return after the callback finished")
	}
	if !finished.Load() {
		t.Fatal("Close returned before the callback finished")
	}
}

func TestNewSessionValidatesOptions(t *testing.T) {
	ch := signaling.NewChannel(record.NewMemoryStore(), nil)
	pipe := peertest.NewPipe()

	cases := map[string]Options{
		"no record":    {Role: peer.Initiator, Channel: ch, NewTransport: pipe.Factory()},
		"bad role":     {RecordID: "r1", Channel: ch, NewTransport: pipe.Factory()},
		"no channel":   {RecordID: "r1", Role: peer.Initiator, NewTransport: pipe.Factory()},
		"no transport": {RecordID: "r1", Role: peer.Initiator, Channel: ch},
	}
	for name, opts := range cases {
		if _, err := NewSession(context.Background(), opts); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewSessionSubscribeFailure(t *testing.T) {
	store := record.NewMemoryStore()
	_ = store.Close()

	_, err := NewSession(context.Background(), Options{
		RecordID:     "r1",
		Role:         peer.Responder,
		Channel:      signaling.NewChannel(store, nil),
		NewTransport: peertest.NewPipe().Factory(),
	})
	if !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", err)
	}
}
