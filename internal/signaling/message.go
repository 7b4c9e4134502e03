package signaling

import "github.com/BioHazard786/warplink/internal/record"

// Message is a websocket frame between a subscriber and the record server.
type Message struct {
	Type     string         `json:"type"`
	RecordID string         `json:"record_id,omitempty"`
	Record   *record.Record `json:"record,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Message type constants.
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"

	MessageTypeSubscribed    = "subscribed"
	MessageTypeRecordChanged = "record_changed"
	MessageTypeError         = "error"
)

// CreateResponse is returned by POST /api/records.
type CreateResponse struct {
	Record     record.Record `json:"record"`
	OwnerToken string        `json:"owner_token"`
}

// CountResponse is returned by POST /api/records/{id}/downloads.
type CountResponse struct {
	DownloadCount int64 `json:"download_count"`
}

// Object describes an uploaded file and its direct link.
type Object struct {
	StoragePath string `json:"storage_path"`
	DownloadURL string `json:"download_url"`
	Size        int64  `json:"size"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// OwnerTokenHeader carries the token returned at creation on DELETE.
const OwnerTokenHeader = "X-Owner-Token"
