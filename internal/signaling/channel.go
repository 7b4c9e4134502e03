// Package signaling carries the opaque offer and answer blobs between the two
// peers through the shared transfer record.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/warplink/internal/record"
)

var (
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrInvalidSignal        = errors.New("invalid signal")
)

// WriteError reports a failed publish.
type WriteError struct {
	RecordID string
	Field    record.Field
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("publish %s on %s: %v", e.Field, e.RecordID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Signals is the signaling view of a record.
type Signals struct {
	Offer  string
	Answer string
}

// Channel reads and writes the signaling fields of records held by a store.
type Channel struct {
	store  record.Store
	logger *slog.Logger
}

// NewChannel returns a channel backed by store.
func NewChannel(store record.Store, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{store: store, logger: logger}
}

// Publish writes blob into field of the record. The blob is stored verbatim.
func (c *Channel) Publish(ctx context.Context, recordID string, field record.Field, blob string) error {
	if !field.Valid() || blob == "" {
		return &WriteError{RecordID: recordID, Field: field, Err: ErrInvalidSignal}
	}

	err := c.store.UpdateFields(ctx, recordID, record.Patch{field: blob})
	if err == nil {
		c.logger.Debug("signal published", "record", recordID, "field", field, "bytes", len(blob))
		return nil
	}
	return &WriteError{RecordID: recordID, Field: field, Err: classify(err)}
}

// Subscribe calls onChange with the record's current signals and again on
// every change. Delivery is at-least-once. Once the returned function
// returns, onChange is not called again.
func (c *Channel) Subscribe(ctx context.Context, recordID string, onChange func(Signals)) (func(), error) {
	unsubscribe, err := c.store.Subscribe(ctx, recordID, func(r record.Record) {
		onChange(Signals{Offer: r.Offer, Answer: r.Answer})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", recordID, classify(err))
	}
	return unsubscribe, nil
}

// classify maps store errors onto the signaling error kinds. Anything that is
// not a record-level rejection means the store could not be reached.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrSignalingUnavailable),
		errors.Is(err, record.ErrFieldConflict),
		errors.Is(err, record.ErrOfferMissing),
		errors.Is(err, record.ErrNotFound),
		errors.Is(err, record.ErrInvalidField):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
}
