package webrtc

import (
	"log/slog"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/utils"
)

// Configuration builds the ICE setup from cfg. TURN-only candidates are
// forced when asked for, or when the host looks like it sits behind a VPN
// or carrier-grade NAT and a TURN server is available.
func Configuration(cfg *config.Config, logger *slog.Logger) pion.Configuration {
	var iceServers []pion.ICEServer
	if stun := cfg.GetSTUNServers(); len(stun) > 0 {
		iceServers = append(iceServers, pion.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil {
		if cfg.ForceRelay {
			policy = pion.ICETransportPolicyRelay
		} else if reason := utils.RelayReason(); reason != "" {
			logger.Debug("forcing relay candidates", "reason", reason)
			policy = pion.ICETransportPolicyRelay
		}
	}

	return pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}
