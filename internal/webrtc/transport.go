// Package webrtc implements the peer transport on a pion WebRTC data
// channel. Descriptions are exchanged whole (no trickle ICE), so each side
// publishes exactly one blob.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/utils"
)

// DataChannelLabel names the single ordered channel carrying the file.
const DataChannelLabel = "warplink-transfer"

var (
	ErrChannelNotOpen   = errors.New("data channel not open")
	ErrBufferTimeout    = errors.New("buffer drain timeout")
	ErrConnectionFailed = errors.New("ice connection failed")
	ErrBadDescription   = errors.New("malformed session description")
)

// NewFactory returns a peer.TransportFactory building pion transports
// configured from cfg.
func NewFactory(cfg *config.Config, logger *slog.Logger) peer.TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(role peer.Role, events peer.TransportEvents) (peer.Transport, error) {
		return New(Configuration(cfg, logger), role, events, logger)
	}
}

// Transport is one end of a WebRTC data channel.
type Transport struct {
	role   peer.Role
	pc     *pion.PeerConnection
	events peer.TransportEvents
	logger *slog.Logger

	mu sync.Mutex
	dc *pion.DataChannel

	// low receives a token whenever the send buffer drops below LowWaterMark.
	low       chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New creates the peer connection. The initiator creates the data channel up
// front so it is part of the offer; the responder adopts the remote one.
func New(pcConfig pion.Configuration, role peer.Role, events peer.TransportEvents, logger *slog.Logger) (*Transport, error) {
	pc, err := pion.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		role:   role,
		pc:     pc,
		events: events,
		logger: logger.With("transport", "webrtc", "role", role.String()),
		low:    make(chan struct{}, 1),
	}

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		t.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case pion.PeerConnectionStateFailed:
			t.raiseError(ErrConnectionFailed)
		case pion.PeerConnectionStateClosed:
			t.raiseClose()
		}
	})

	if role == peer.Initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(DataChannelLabel, &pion.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		t.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			if dc.Label() != DataChannelLabel {
				t.logger.Debug("ignoring unexpected data channel", "label", dc.Label())
				return
			}
			t.attach(dc)
		})
	}
	return t, nil
}

func (t *Transport) attach(dc *pion.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(utils.LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case t.low <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		t.openOnce.Do(func() {
			if t.events.OnOpen != nil {
				t.events.OnOpen()
			}
		})
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if t.events.OnMessage != nil {
			// the manager consumes messages asynchronously
			t.events.OnMessage(append([]byte(nil), msg.Data...))
		}
	})
	dc.OnClose(t.raiseClose)
	dc.OnError(func(err error) {
		t.logger.Debug("data channel error", "error", err)
	})
}

func (t *Transport) raiseClose() {
	if t.events.OnClose != nil {
		t.events.OnClose()
	}
}

func (t *Transport) raiseError(err error) {
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
}

func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return t.commitLocal(ctx, offer)
}

func (t *Transport) AcceptOffer(ctx context.Context, blob string) (string, error) {
	offer, err := decodeDescription(blob, pion.SDPTypeOffer)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return t.commitLocal(ctx, answer)
}

func (t *Transport) AcceptAnswer(_ context.Context, blob string) error {
	answer, err := decodeDescription(blob, pion.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// commitLocal sets desc and waits for candidate gathering so the returned
// description carries every candidate.
func (t *Transport) commitLocal(ctx context.Context, desc pion.SessionDescription) (string, error) {
	gathered := pion.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return encodeDescription(t.pc.LocalDescription())
}

// Send writes one message, waiting while more than HighWaterMark bytes are
// queued.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}

	if err := t.waitForWindow(dc); err != nil {
		return err
	}
	return dc.Send(data)
}

func (t *Transport) waitForWindow(dc *pion.DataChannel) error {
	buffered := dc.BufferedAmount()
	if buffered < utils.HighWaterMark {
		return nil
	}

	timer := time.NewTimer(utils.SendTimeout)
	defer timer.Stop()
	for {
		select {
		case <-t.low:
			if dc.BufferedAmount() < utils.HighWaterMark {
				return nil
			}
		case <-timer.C:
			if dc.BufferedAmount() < buffered {
				return nil
			}
			return ErrBufferTimeout
		}
		if dc.ReadyState() != pion.DataChannelStateOpen {
			return ErrChannelNotOpen
		}
	}
}

// waitForDrain gives queued messages a bounded chance to leave before the
// connection is torn down.
func (t *Transport) waitForDrain() {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return
	}

	deadline := time.Now().Add(utils.DrainTimeout)
	for dc.ReadyState() == pion.DataChannelStateOpen && dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.waitForDrain()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func encodeDescription(desc *pion.SessionDescription) (string, error) {
	if desc == nil {
		return "", ErrBadDescription
	}
	b, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(b), nil
}

func decodeDescription(blob string, want pion.SDPType) (pion.SessionDescription, error) {
	var desc pion.SessionDescription
	if err := json.Unmarshal([]byte(blob), &desc); err != nil {
		return desc, fmt.Errorf("%w: %w", ErrBadDescription, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: expected %s, got %s", ErrBadDescription, want, desc.Type)
	}
	return desc, nil
}
