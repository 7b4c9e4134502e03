// Package server is the record server: it hosts transfer records, relays
// their changes to websocket subscribers and serves direct download links.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/warplink/internal/objectstore"
	"github.com/BioHazard786/warplink/internal/record"
)

const (
	DefaultPurgeInterval = 10 * time.Minute
	DefaultMaxUploadSize = 4 << 30
)

// Options configures a Server.
type Options struct {
	// PublicURL prefixes direct links, e.g. https://files.example.com.
	// Empty leaves them relative to the server root.
	PublicURL string
	// RecordTTL is how long a record lives; zero keeps records forever.
	RecordTTL     time.Duration
	PurgeInterval time.Duration
	MaxUploadSize int64
	Logger        *slog.Logger
}

type Server struct {
	store   record.Store
	objects *objectstore.Store
	hub     *Hub
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// purger is implemented by stores that can delete expired records in bulk.
type purger interface {
	PurgeExpired(ctx context.Context, now time.Time) ([]record.Record, error)
}

func New(store record.Store, objects *objectstore.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = DefaultPurgeInterval
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")

	logger := opts.Logger.With("component", "server")
	return &Server{
		store:   store,
		objects: objects,
		hub:     NewHub(store, logger),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Serve runs the hub, the expiry sweeper and the HTTP server on ln until
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.purgeLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("record server listening", "addr", ln.Addr().String(), "public_url", s.opts.PublicURL)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// RunHub runs only the websocket hub, for callers that mount Handler on
// their own HTTP server.
func (s *Server) RunHub(ctx context.Context) {
	s.hub.Run(ctx)
}

func (s *Server) purgeLoop(ctx context.Context) {
	p, ok := s.store.(purger)
	if !ok {
		return
	}

	ticker := time.NewTicker(s.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx, p)
		}
	}
}

func (s *Server) purge(ctx context.Context, p purger) {
	expired, err := p.PurgeExpired(ctx, s.now())
	if err != nil {
		s.logger.Warn("purging expired records failed", "error", err)
		return
	}
	for _, r := range expired {
		s.deleteObject(r)
	}
	if len(expired) > 0 {
		s.logger.Info("purged expired records", "count", len(expired))
	}
}

func (s *Server) deleteObject(r record.Record) {
	if r.StoragePath == "" || s.objects == nil {
		return
	}
	if err := s.objects.Delete(r.StoragePath); err != nil {
		s.logger.Warn("deleting object failed", "record", r.ID, "path", r.StoragePath, "error", err)
	}
}
