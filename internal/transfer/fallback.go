package transfer

import "github.com/BioHazard786/warplink/internal/peer"

// Action is what the receiving side should offer the user.
type Action int

const (
	// DirectOnly: the peer path is over; download from the direct link.
	DirectOnly Action = iota
	// DirectPeerPending: direct link now, peer path still negotiating.
	DirectPeerPending
	// DirectAndPeer: both paths are usable.
	DirectAndPeer
	// PeerOnly: no hosted copy, the peer link is up.
	PeerOnly
	// WaitForPeer: no hosted copy, the peer path is still negotiating.
	WaitForPeer
	// Unavailable: neither path can deliver the file.
	Unavailable
)

func (a Action) String() string {
	switch a {
	case DirectOnly:
		return "direct-only"
	case DirectPeerPending:
		return "direct+peer-pending"
	case DirectAndPeer:
		return "direct+peer"
	case PeerOnly:
		return "peer-only"
	case WaitForPeer:
		return "wait-for-peer"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Decision describes which download paths to present.
type Decision struct {
	Action     Action
	DirectLink bool
	PeerActive bool
	PeerState  peer.State
}

// Resolve picks the download paths for a peer state. The direct link, when
// one exists, is always offered; the peer path is only ever additive.
func Resolve(state peer.State, hasDirectLink bool) Decision {
	d := Decision{
		DirectLink: hasDirectLink,
		PeerActive: state == peer.Connected,
		PeerState:  state,
	}

	switch {
	case hasDirectLink && state == peer.Connected:
		d.Action = DirectAndPeer
	case hasDirectLink && state.Terminal():
		d.Action = DirectOnly
	case hasDirectLink:
		d.Action = DirectPeerPending
	case state == peer.Connected:
		d.Action = PeerOnly
	case state.Terminal():
		d.Action = Unavailable
	default:
		d.Action = WaitForPeer
	}
	return d
}
