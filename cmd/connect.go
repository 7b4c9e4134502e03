package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/discovery"
	"github.com/BioHazard786/warplink/internal/signaling"
	"github.com/BioHazard786/warplink/internal/transfer"
	"github.com/BioHazard786/warplink/internal/ui"
)

// connect returns a client for the configured server, or for the first one
// found on the local network when --discover is set.
func connect(ctx context.Context, cfg *config.Config) (*signaling.Client, error) {
	serverURL := cfg.ServerURL
	if flagDiscover && flagServer == "" {
		found, err := discoverServer(ctx)
		if err != nil {
			return nil, err
		}
		serverURL = found
	}

	client, err := signaling.NewClient(serverURL, slog.Default())
	if err != nil {
		return nil, transfer.NewError("connect to server", err)
	}
	return client, nil
}

func discoverServer(ctx context.Context) (string, error) {
	stop := ui.RunNetworkSpinner("Looking for a record server on the local network...")
	servers, err := discovery.Browse(ctx, discovery.DefaultBrowseTimeout)
	stop()
	if err != nil {
		return "", transfer.NewError("discover server", err)
	}
	if len(servers) == 0 {
		return "", errors.New("no record server found on the local network")
	}
	s := servers[0]
	ui.PrintSuccessf("Using %s at %s", s.Instance, s.URL)
	return s.URL, nil
}

// shareLink is the URL a receiver opens or passes to "warplink receive".
func shareLink(serverURL, id string) string {
	return strings.TrimRight(serverURL, "/") + "/r/" + url.PathEscape(id)
}

// parseRecordInput accepts a bare record id or a share link. For a share
// link it also returns the server the link points at.
func parseRecordInput(input string) (id, serverURL string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", "", errors.New("record id cannot be empty")
	}
	if !strings.Contains(input, "://") {
		return input, "", nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", "", transfer.NewError("parse share link", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "r" && i+1 < len(parts) && parts[i+1] != "" {
			id, err := url.PathUnescape(parts[i+1])
			if err != nil {
				return "", "", transfer.NewError("parse share link", err)
			}
			server := u.Scheme + "://" + u.Host
			if i > 0 {
				server += "/" + strings.Join(parts[:i], "/")
			}
			return id, server, nil
		}
	}
	return "", "", fmt.Errorf("could not find a record id in %s", input)
}
