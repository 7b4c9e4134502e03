// Package transfer moves one file between two peers over a peer.Manager,
// using a signaling.Channel to exchange the handshake blobs through the
// file's record.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/signaling"
	"github.com/BioHazard786/warplink/internal/utils"
)

// Options configures a Session.
type Options struct {
	RecordID     string
	Role         peer.Role
	Channel      *signaling.Channel
	NewTransport peer.TransportFactory

	// Name, MimeType and ExpectedSize describe the file on the receiving
	// side. They come from the record and win over the sender's metadata.
	Name         string
	MimeType     string
	ExpectedSize int64

	// ChunkSize fixes the outgoing chunk size; zero adapts it to throughput.
	ChunkSize int

	// Callbacks run one at a time. A terminal status is reported after the
	// OnComplete or OnError it caused.
	OnStatus   func(peer.State)
	OnComplete func(Blob)
	OnError    func(error)
	OnProgress func(transferred, total int64)

	Logger *slog.Logger
}

// Session is one side of a peer transfer for a single record.
type Session struct {
	opts      Options
	logger    *slog.Logger
	assembler *Assembler
	notify    notifier

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *errgroup.Group

	mu          sync.Mutex
	manager     *peer.Manager
	gen         int
	unsubscribe func()
	latest      signaling.Signals
	started     bool
	closed      bool
	status      peer.State
	statusCh    chan struct{}
	err         error
	meta        *FileMetadata
	completed   bool
	aborted     bool

	sendMu        sync.Mutex
	delivered     chan struct{}
	deliveredOnce sync.Once
	closeOnce     sync.Once
}

// NewSession subscribes to the record's signals and prepares the peer
// connection. Nothing is negotiated until Start.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	switch {
	case opts.RecordID == "":
		return nil, errors.New("transfer: record id is required")
	case !opts.Role.Valid():
		return nil, fmt.Errorf("transfer: invalid role %d", opts.Role)
	case opts.Channel == nil:
		return nil, errors.New("transfer: signaling channel is required")
	case opts.NewTransport == nil:
		return nil, errors.New("transfer: transport factory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:      opts,
		logger:    logger.With("record", opts.RecordID, "role", opts.Role.String()),
		assembler: NewAssembler(),
		ctx:       sctx,
		cancel:    cancel,
		tasks:     &errgroup.Group{},
		status:    peer.Idle,
		statusCh:  make(chan struct{}),
		delivered: make(chan struct{}),
	}

	m, err := s.newManager(0)
	if err != nil {
		cancel()
		return nil, err
	}
	s.manager = m

	unsubscribe, err := opts.Channel.Subscribe(ctx, opts.RecordID, s.onSignals)
	if err != nil {
		_ = m.Close()
		cancel()
		return nil, err
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return s, nil
}

func (s *Session) newManager(gen int) (*peer.Manager, error) {
	var m *peer.Manager
	handlers := peer.Handlers{
		OnLocalSignal: func(blob string) { s.publish(m, blob) },
		OnData:        func(data []byte) { s.onData(gen, data) },
		OnStateChange: func(st peer.State) { s.onStateChange(m, gen, st) },
	}
	m, err := peer.NewManager(s.opts.Role, s.opts.NewTransport, handlers, s.logger)
	return m, err
}

// Start begins negotiation. After a failure to reach the signaling store it
// may be called again, which rebuilds the peer connection.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var stale *peer.Manager
	if s.started {
		if s.status != peer.Failed || !errors.Is(s.err, ErrSignalingUnavailable) {
			s.mu.Unlock()
			return peer.ErrAlreadyStarted
		}
		m, err := s.newManager(s.gen + 1)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		stale = s.manager
		s.manager = m
		s.gen++
		s.started = false
		s.err = nil
		s.setStatusLocked(peer.Idle)
	}
	m := s.manager
	s.mu.Unlock()

	if stale != nil {
		s.logger.Info("retrying negotiation")
		_ = stale.Close()
	}

	if err := m.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.started = true
	sig := s.latest
	s.mu.Unlock()

	// a responder may already have seen the offer
	s.apply(m, sig)
	return nil
}

func (s *Session) publish(m *peer.Manager, blob string) {
	field := record.FieldOffer
	if s.opts.Role == peer.Responder {
		field = record.FieldAnswer
	}

	s.tasks.Go(func() error {
		if err := s.opts.Channel.Publish(s.ctx, s.opts.RecordID, field, blob); err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("publishing signal failed", "field", field, "error", err)
			m.Abort(err)
			return nil
		}
		m.MarkSignalSent()
		return nil
	})
}

func (s *Session) onSignals(sig signaling.Signals) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.latest = sig
	m, started := s.manager, s.started
	s.mu.Unlock()

	if started {
		s.apply(m, sig)
	}
}

// apply hands the remote peer's blob, if present, to the manager.
func (s *Session) apply(m *peer.Manager, sig signaling.Signals) {
	var err error
	switch s.opts.Role {
	case peer.Initiator:
		if sig.Answer == "" {
			return
		}
		err = m.AcceptRemoteAnswer(sig.Answer)
	case peer.Responder:
		if sig.Offer == "" {
			return
		}
		err = m.AcceptRemoteOffer(sig.Offer)
	}

	switch {
	case err == nil:
	case errors.Is(err, peer.ErrRenegotiation):
		s.logger.Warn("ignoring a second remote signal", "error", err)
	default:
		s.logger.Debug("remote signal not applied", "error", err)
	}
}

func (s *Session) onStateChange(m *peer.Manager, gen int, st peer.State) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if st == peer.Failed {
		s.err = m.Err()
	}
	changed := s.updateStatusLocked(st)
	err := s.err
	s.mu.Unlock()

	// OnComplete and OnError are queued ahead of the status that caused them
	switch st {
	case peer.Failed:
		s.logger.Warn("peer connection failed", "error", err)
		s.notifyError(err)
	case peer.Closed:
		if s.opts.Role == peer.Responder {
			s.finishReceive(false)
		}
	case peer.Connected:
		s.logger.Info("peer connected")
	}
	if changed {
		s.notifyStatus(st)
	}
}

func (s *Session) setStatusLocked(st peer.State) {
	if s.updateStatusLocked(st) {
		s.notifyStatus(st)
	}
}

func (s *Session) updateStatusLocked(st peer.State) bool {
	if s.status == st {
		return false
	}
	s.status = st
	close(s.statusCh)
	s.statusCh = make(chan struct{})
	return true
}

func (s *Session) notifyStatus(st peer.State) {
	if fn := s.opts.OnStatus; fn != nil {
		s.notify.do(func() { fn(st) })
	}
}

// Status returns the connection state of the current peer connection.
func (s *Session) Status() peer.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the cause of the last failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitStatus blocks until the status is one of states or terminal.
func (s *Session) WaitStatus(ctx context.Context, states ...peer.State) (peer.State, error) {
	for {
		s.mu.Lock()
		st, ch := s.status, s.statusCh
		s.mu.Unlock()

		if st.Terminal() || slices.Contains(states, st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Delivered is closed once the receiver acknowledges the whole file.
func (s *Session) Delivered() <-chan struct{} {
	return s.delivered
}

func (s *Session) current() *peer.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// SendFile streams r to the peer in order. Each Read becomes one chunk,
// capped by the chunk size. A size of -1 skips the length check.
func (s *Session) SendFile(ctx context.Context, r io.Reader, name, mimeType string, size int64) error {
	if s.opts.Role != peer.Initiator {
		return ErrWrongRole
	}
	if !s.sendMu.TryLock() {
		return ErrTransferInProgress
	}
	defer s.sendMu.Unlock()

	s.mu.Lock()
	closed, m := s.closed, s.manager
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if m.State() != peer.Connected {
		return ErrNotReady
	}

	if err := s.sendFrame(m, FrameFileMetadata, FileMetadata{Name: name, Size: size, Type: mimeType}); err != nil {
		return NewFileError("send metadata", name, err)
	}

	ctrl := utils.NewChunkSizeController()
	if s.opts.ChunkSize > 0 {
		ctrl = utils.NewFixedChunkSizeController(s.opts.ChunkSize)
	}

	buf := make([]byte, utils.MaxChunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return NewFileError("send", name, err)
		}

		n, err := r.Read(buf[:ctrl.ChunkSize()])
		if n > 0 {
			if serr := s.sendFrame(m, FrameChunk, ChunkPayload{Offset: offset, Bytes: buf[:n]}); serr != nil {
				return NewFileError("send chunk", name, serr)
			}
			offset += int64(n)
			ctrl.Record(int64(n))
			s.notifyProgress(offset, size)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return NewFileError("read", name, err)
		}
	}

	if size >= 0 && offset != size {
		return &TransferError{
			Op:      "send",
			File:    name,
			Err:     ErrSizeMismatch,
			Details: fmt.Sprintf("declared %d bytes, read %d", size, offset),
		}
	}

	if err := s.sendFrame(m, FrameTransferDone, nil); err != nil {
		return NewFileError("send done", name, err)
	}
	s.logger.Info("file sent", "name", name, "bytes", offset)
	return nil
}

func (s *Session) sendFrame(m *peer.Manager, t string, payload any) error {
	frame, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}
	return m.Send(frame)
}

func (s *Session) onData(gen int, data []byte) {
	s.mu.Lock()
	stale := s.closed || gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}

	f, err := DecodeFrame(data)
	if err != nil {
		s.abortReceive(err)
		return
	}

	switch {
	case f.Type == FrameDownloadingDone && s.opts.Role == peer.Initiator:
		s.deliveredOnce.Do(func() { close(s.delivered) })

	case s.opts.Role != peer.Responder:
		s.logger.Debug("ignoring frame", "type", f.Type)

	case f.Type == FrameFileMetadata:
		var meta FileMetadata
		if err := f.DecodePayload(&meta); err != nil {
			s.abortReceive(err)
			return
		}
		if meta.Size != s.opts.ExpectedSize {
			s.logger.Warn("sender size differs from the record", "sender", meta.Size, "record", s.opts.ExpectedSize)
		}
		s.mu.Lock()
		s.meta = &meta
		s.mu.Unlock()

	case f.Type == FrameChunk:
		var chunk ChunkPayload
		if err := f.DecodePayload(&chunk); err != nil {
			s.abortReceive(err)
			return
		}
		s.receiveChunk(chunk)

	case f.Type == FrameTransferDone:
		s.finishReceive(true)

	default:
		s.logger.Debug("unknown frame", "type", f.Type)
	}
}

func (s *Session) receiving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.completed && !s.aborted
}

func (s *Session) receiveChunk(chunk ChunkPayload) {
	if !s.receiving() {
		return
	}

	have := s.assembler.Len()
	if chunk.Offset != have {
		s.abortReceive(WrapError("receive chunk", ErrBadFrame, fmt.Sprintf("offset %d, expected %d", chunk.Offset, have)))
		return
	}
	expected := s.opts.ExpectedSize
	if have+int64(len(chunk.Bytes)) > expected {
		s.abortReceive(&TransferError{
			Op:      "receive",
			File:    s.fileName(),
			Err:     ErrSizeMismatch,
			Details: fmt.Sprintf("expected %d bytes, got at least %d", expected, have+int64(len(chunk.Bytes))),
		})
		return
	}

	s.assembler.Append(chunk.Bytes)
	s.notifyProgress(s.assembler.Len(), expected)
}

// finishReceive completes the file once every expected byte is present.
// done is true when the sender announced the end of the file.
func (s *Session) finishReceive(done bool) {
	s.mu.Lock()
	if s.closed || s.completed || s.aborted {
		s.mu.Unlock()
		return
	}
	got, expected := s.assembler.Len(), s.opts.ExpectedSize
	started := s.meta != nil || got > 0
	if !done && !started {
		// the peer went away before sending anything
		s.mu.Unlock()
		return
	}
	if got != expected {
		s.mu.Unlock()
		if done || started {
			s.abortReceive(&TransferError{
				Op:      "receive",
				File:    s.fileName(),
				Err:     ErrSizeMismatch,
				Details: fmt.Sprintf("expected %d bytes, got %d", expected, got),
			})
		}
		return
	}
	s.completed = true
	m := s.manager
	s.mu.Unlock()

	blob := s.assembler.Materialize(s.fileName(), s.mimeType())
	s.assembler.Reset()
	s.logger.Info("file received", "name", blob.Name, "bytes", blob.Size())

	if fn := s.opts.OnComplete; fn != nil {
		s.notify.do(func() { fn(blob) })
	}

	if done {
		if err := s.sendFrame(m, FrameDownloadingDone, nil); err != nil {
			s.logger.Debug("acknowledging transfer failed", "error", err)
		}
	}
}

func (s *Session) abortReceive(err error) {
	s.mu.Lock()
	if s.closed || s.completed || s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.err = err
	s.mu.Unlock()

	s.assembler.Reset()
	s.logger.Warn("receive aborted", "error", err)
	s.notifyError(err)
}

func (s *Session) fileName() string {
	if s.opts.Name != "" {
		return s.opts.Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta != nil && s.meta.Name != "" {
		return utils.SafeName(s.meta.Name)
	}
	return s.opts.RecordID
}

func (s *Session) mimeType() string {
	if s.opts.MimeType != "" {
		return s.opts.MimeType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta != nil {
		return s.meta.Type
	}
	return ""
}

func (s *Session) notifyError(err error) {
	if fn := s.opts.OnError; fn != nil && err != nil {
		s.notify.do(func() { fn(err) })
	}
}

func (s *Session) notifyProgress(transferred, total int64) {
	if fn := s.opts.OnProgress; fn != nil {
		s.notify.do(func() { fn(transferred, total) })
	}
}

// Close stops listening for signals, tears down the peer connection and
// drops any partially received file. Close waits for a callback that is
// already running, so it must not be called from inside one. No callback
// runs after Close returns.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		unsubscribe, m := s.unsubscribe, s.manager
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		err = m.Close()

		s.mu.Lock()
		s.closed = true
		if !s.status.Terminal() {
			s.status = peer.Closed
			close(s.statusCh)
			s.statusCh = make(chan struct{})
		}
		s.mu.Unlock()

		s.cancel()
		_ = s.tasks.Wait()
		s.assembler.Reset()
		s.notify.stop()
	})
	return err
}
