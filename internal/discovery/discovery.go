// Package discovery advertises a record server on the local network over
// mDNS and finds servers advertised by others.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_warplink._tcp"
	Domain  = "local."

	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes the advertised server.
type Config struct {
	Instance string
	Port     int
	// PublicURL is advertised so clients reach the server the way its
	// direct links expect. Loopback URLs are not advertised.
	PublicURL string
	Version   string

	registerFn registerFunc
}

// Advertiser keeps an mDNS registration alive until Stop.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the server on the local network.
func Advertise(cfg Config) (*Advertiser, error) {
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}
	register := cfg.registerFn
	if register == nil {
		register = zeroconf.Register
	}

	txt := []string{"version=" + cfg.Version}
	if cfg.PublicURL != "" && !isLoopbackURL(cfg.PublicURL) {
		txt = append(txt, "url="+cfg.PublicURL)
	}

	server, err := register(cfg.Instance, Service, Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Server is a record server found on the network.
type Server struct {
	Instance string
	URL      string
	Version  string
}

// Browse scans for timeout and returns every server seen, sorted by
// instance name.
func Browse(ctx context.Context, timeout time.Duration) ([]Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return browse(ctx, resolver.Browse, timeout)
}

func browse(ctx context.Context, fn browseFunc, timeout time.Duration) ([]Server, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]Server)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				if s, ok := parseEntry(entry); ok {
					found[s.URL] = s
				}
			}
		}
	}()

	if err := fn(scanCtx, Service, Domain, entries); err != nil {
		cancel()
		<-collected
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}
	<-scanCtx.Done()
	<-collected

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Server, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].URL < out[j].URL
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

func txtToMap(text []string) map[string]string {
	m := make(map[string]string, len(text))
	for _, kv := range text {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m
}

func parseEntry(entry *zeroconf.ServiceEntry) (Server, bool) {
	txt := txtToMap(entry.Text)
	s := Server{Instance: strings.TrimSpace(entry.Instance), Version: txt["version"]}

	if u := txt["url"]; u != "" && !isLoopbackURL(u) {
		s.URL = strings.TrimRight(u, "/")
		return s, true
	}
	if entry.Port <= 0 {
		return Server{}, false
	}

	// no advertised URL: prefer an IPv4 address
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		s.URL = "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
		return s, true
	}
	return Server{}, false
}

// isLoopbackURL reports whether raw only reaches this host.
func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
