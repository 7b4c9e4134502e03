// Package record holds the shared transfer record both peers read and write,
// and the stores that persist it.
package record

import (
	"context"
	"errors"
	"time"
)

// Field names a signaling field of a record.
type Field string

const (
	FieldOffer  Field = "offer"
	FieldAnswer Field = "answer"
)

// Valid reports whether f is one of the signaling fields.
func (f Field) Valid() bool {
	return f == FieldOffer || f == FieldAnswer
}

var (
	ErrNotFound      = errors.New("record not found or expired")
	ErrExists        = errors.New("record already exists")
	ErrFieldConflict = errors.New("signaling field already set to a different value")
	ErrOfferMissing  = errors.New("answer written before offer")
	ErrInvalidField  = errors.New("unknown signaling field")
	ErrClosed        = errors.New("store closed")
)

// Record is the metadata of one shared file plus the two signaling fields.
// Timestamps are unix milliseconds.
type Record struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	Type          string `json:"type"`
	DownloadURL   string `json:"download_url,omitempty"`
	StoragePath   string `json:"storage_path,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
	DownloadCount int64  `json:"download_count"`
	Offer         string `json:"offer,omitempty"`
	Answer        string `json:"answer,omitempty"`

	// OwnerTokenHash is never sent to clients.
	OwnerTokenHash string `json:"owner_token_hash,omitempty"`
}

// Public returns a copy safe to hand to any client.
func (r Record) Public() Record {
	r.OwnerTokenHash = ""
	return r
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.UnixMilli() >= r.ExpiresAt
}

// HasDirectLink reports whether a centrally hosted copy is available.
func (r Record) HasDirectLink() bool {
	return r.DownloadURL != ""
}

// Patch is a partial update of the signaling fields.
type Patch map[Field]string

// Store persists records and notifies subscribers of changes.
type Store interface {
	Create(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// UpdateFields applies p. Signaling fields are write-once: writing the
	// value already stored is a no-op, writing a different one fails with
	// ErrFieldConflict.
	UpdateFields(ctx context.Context, id string, p Patch) error
	IncrementDownloadCount(ctx context.Context, id string) (int64, error)
	Delete(ctx context.Context, id string) error
	// Subscribe calls fn with the current record and again after every change.
	// Once the returned function returns, fn is never called again.
	Subscribe(ctx context.Context, id string, fn func(Record)) (func(), error)
	Close() error
}

// applyPatch merges p into r and reports whether anything changed.
func applyPatch(r *Record, p Patch) (bool, error) {
	for f := range p {
		if !f.Valid() {
			return false, ErrInvalidField
		}
	}

	offer, hasOffer := p[FieldOffer]
	answer, hasAnswer := p[FieldAnswer]

	changed := false
	if hasOffer && offer != "" {
		switch r.Offer {
		case "":
			r.Offer = offer
			changed = true
		case offer:
		default:
			return false, ErrFieldConflict
		}
	}
	if hasAnswer && answer != "" {
		if r.Offer == "" {
			return false, ErrOfferMissing
		}
		switch r.Answer {
		case "":
			r.Answer = answer
			changed = true
		case answer:
		default:
			return false, ErrFieldConflict
		}
	}
	return changed, nil
}

// prepare fills the fields a store owns before the first write.
func prepare(r Record, now time.Time) Record {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = now.UnixMilli()
	}
	if r.Answer != "" && r.Offer == "" {
		r.Answer = ""
	}
	return r
}
