package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BioHazard786/warplink/internal/record"
)

func newTestChannel(t *testing.T) (*Channel, *record.MemoryStore, string) {
	t.Helper()

	store := record.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	r, err := store.Create(context.Background(), record.Record{Name: "a.bin", Size: 3})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	return NewChannel(store, nil), store, r.ID
}

func TestPublishRoundTripsBlobVerbatim(t *testing.T) {
	ch, store, id := newTestChannel(t)
	ctx := context.Background()

	blob := "{\"type\":\"offer\",\"sdp\":\"v=0\\r\\no=- 1 2 IN IP4 127.0.0.1\\r\\n\"}"
	if err := ch.Publish(ctx, id, record.FieldOffer, blob); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	r, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Offer != blob {
		t.Fatalf("blob modified in transit: %q", r.Offer)
	}
}

func TestPublishRejectsDifferentValue(t *testing.T) {
	ch, _, id := newTestChannel(t)
	ctx := context.Background()

	if err := ch.Publish(ctx, id, record.FieldOffer, "offer-1"); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := ch.Publish(ctx, id, record.FieldOffer, "offer-1"); err != nil {
		t.Fatalf("identical republish should succeed: %v", err)
	}

	err := ch.Publish(ctx, id, record.FieldOffer, "offer-2")
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected *WriteError, got %T %v", err, err)
	}
	if !errors.Is(err, record.ErrFieldConflict) {
		t.Fatalf("expected ErrFieldConflict, got %v", err)
	}
	if errors.Is(err, ErrSignalingUnavailable) {
		t.Fatal("a conflict is not an availability failure")
	}
}

func TestPublishInvalidInput(t *testing.T) {
	ch, _, id := newTestChannel(t)
	for _, tc := range []struct {
		field record.Field
		blob  string
	}{
		{record.Field("sdp"), "x"},
		{record.FieldOffer, ""},
	} {
		if err := ch.Publish(context.Background(), id, tc.field, tc.blob); !errors.Is(err, ErrInvalidSignal) {
			t.Fatalf("Publish(%q, %q): expected ErrInvalidSignal, got %v", tc.field, tc.blob, err)
		}
	}
}

func TestPublishOnClosedStoreIsUnavailable(t *testing.T) {
	ch, store, id := newTestChannel(t)
	_ = store.Close()

	err := ch.Publish(context.Background(), id, record.FieldOffer, "offer")
	if !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", err)
	}
}

func TestSubscribeReplaysAndStops(t *testing.T) {
	ch, _, id := newTestChannel(t)
	ctx := context.Background()

	if err := ch.Publish(ctx, id, record.FieldOffer, "offer-1"); err != nil {
		t.Fatalf("publish offer: %v", err)
	}

	got := make(chan Signals, 8)
	unsubscribe, err := ch.Subscribe(ctx, id, func(s Signals) { got <- s })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	s := waitSignals(t, got)
	if s.Offer != "offer-1" || s.Answer != "" {
		t.Fatalf("unexpected replay: %+v", s)
	}

	if err := ch.Publish(ctx, id, record.FieldAnswer, "answer-1"); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	if s := waitSignals(t, got); s.Answer != "answer-1" {
		t.Fatalf("unexpected change: %+v", s)
	}

	unsubscribe()
	drain(got)
	if err := ch.Publish(ctx, id, record.FieldAnswer, "answer-1"); err != nil {
		t.Fatalf("republish: %v", err)
	}
	select {
	case s := <-got:
		t.Fatalf("callback after unsubscribe: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeUnknownRecord(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	if _, err := ch.Subscribe(context.Background(), "nope", func(Signals) {}); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func waitSignals(t *testing.T, ch <-chan Signals) Signals {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signals")
		return Signals{}
	}
}

func drain(ch chan Signals) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
