package webrtc

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/peer"
)

func TestDescriptionRoundTrip(t *testing.T) {
	desc := &pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0\r\n"}
	blob, err := encodeDescription(desc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(blob, `"type":"offer"`) {
		t.Fatalf("unexpected blob: %s", blob)
	}

	got, err := decodeDescription(blob, pion.SDPTypeOffer)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SDP != desc.SDP {
		t.Fatalf("SDP = %q", got.SDP)
	}
	if _, err := decodeDescription(blob, pion.SDPTypeAnswer); !errors.Is(err, ErrBadDescription) {
		t.Fatalf("expected ErrBadDescription for wrong type, got %v", err)
	}
	if _, err := decodeDescription("not json", pion.SDPTypeOffer); !errors.Is(err, ErrBadDescription) {
		t.Fatalf("expected ErrBadDescription for garbage, got %v", err)
	}
}

func TestConfigurationRelayPolicy(t *testing.T) {
	cfg := &config.Config{STUNServer: "stun:stun.example.com:3478"}
	pc := Configuration(cfg, slog.Default())
	if len(pc.ICEServers) != 1 || pc.ICETransportPolicy != pion.ICETransportPolicyAll {
		t.Fatalf("unexpected configuration without TURN: %+v", pc)
	}

	cfg.TURNServer = "turn:relay.example.com"
	cfg.ForceRelay = true
	pc = Configuration(cfg, slog.Default())
	if len(pc.ICEServers) != 2 {
		t.Fatalf("expected STUN and TURN servers, got %d", len(pc.ICEServers))
	}
	if pc.ICETransportPolicy != pion.ICETransportPolicyRelay {
		t.Fatal("ForceRelay did not select the relay policy")
	}
}

// TestLoopbackTransfer runs a real handshake between two pion transports in
// one process. Hosts without a usable non-loopback interface skip it.
func TestLoopbackTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("pion loopback in short mode")
	}

	factory := NewFactory(&config.Config{}, slog.Default())
	received := make(chan []byte, 4)
	connected := make(chan peer.Role, 2)

	handlers := func(role peer.Role, signals chan<- string) peer.Handlers {
		return peer.Handlers{
			OnLocalSignal: func(blob string) { signals <- blob },
			OnData:        func(data []byte) { received <- data },
			OnStateChange: func(s peer.State) {
				if s == peer.Connected {
					connected <- role
				}
			},
		}
	}

	offers := make(chan string, 1)
	answers := make(chan string, 1)
	init, err := peer.NewManager(peer.Initiator, factory, handlers(peer.Initiator, offers), nil)
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	defer init.Close()
	resp, err := peer.NewManager(peer.Responder, factory, handlers(peer.Responder, answers), nil)
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	defer resp.Close()

	if err := init.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := resp.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	timeout := time.After(15 * time.Second)
	select {
	case offer := <-offers:
		init.MarkSignalSent()
		if err := resp.AcceptRemoteOffer(offer); err != nil {
			t.Fatalf("AcceptRemoteOffer: %v", err)
		}
	case <-timeout:
		t.Skip("offer gathering did not finish")
	}
	select {
	case answer := <-answers:
		resp.MarkSignalSent()
		if err := init.AcceptRemoteAnswer(answer); err != nil {
			t.Fatalf("AcceptRemoteAnswer: %v", err)
		}
	case <-timeout:
		t.Skip("answer gathering did not finish")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-timeout:
			t.Skipf("no ICE connectivity on this host (initiator %v, responder %v)", init.State(), resp.State())
		}
	}

	if err := init.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
