package utils

import (
	"net"
	"strings"
)

var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// vpnNameHints are interface name fragments used by tunnel drivers.
var vpnNameHints = []string{"tun", "tap", "wg", "ppp", "warp", "utun"}

// RelayReason reports why direct candidates are unlikely to work on this
// host (a VPN interface or a carrier-grade NAT address), or "" if none.
func RelayReason() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		name := strings.ToLower(iface.Name)
		for _, hint := range vpnNameHints {
			if strings.Contains(name, hint) {
				return "vpn interface " + iface.Name
			}
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && cgnatBlock.Contains(ipnet.IP) {
				return "cgnat address " + ipnet.IP.String() + " on " + iface.Name
			}
		}
	}
	return ""
}
