package peer

import "context"

// Transport is the underlying connection technology. Signal blobs are opaque
// to everything but the transport that produced them.
type Transport interface {
	// CreateOffer returns the initiator's complete local description.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	// AcceptAnswer applies the remote answer.
	AcceptAnswer(ctx context.Context, answer string) error
	// Send delivers one message in order, blocking for backpressure.
	Send(data []byte) error
	Close() error
}

// TransportEvents are raised by a transport from its own goroutines.
type TransportEvents struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// TransportFactory builds a transport for role that reports through events.
type TransportFactory func(role Role, events TransportEvents) (Transport, error)
