package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/discovery"
	"github.com/BioHazard786/warplink/internal/objectstore"
	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/server"
	"github.com/BioHazard786/warplink/internal/transfer"
	"github.com/BioHazard786/warplink/internal/ui"
	"github.com/BioHazard786/warplink/internal/version"
)

var (
	flagListen    string
	flagPublicURL string
	flagDataDir   string
	flagStore     string
	flagTTL       time.Duration
	flagMDNS      bool
	flagInstance  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a record server",
	Long: `Run the record server that holds transfer records, relays signaling changes
to subscribers and hosts direct links.

Examples:
  warplink serve
  warplink serve --listen :9000 --public-url https://files.example.com
  warplink serve --store badger --ttl 2h --mdns`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), cmd.Flags().Changed("ttl"))
	},
}

func runServer(ctx context.Context, ttlSet bool) error {
	cfg, err := loadConfig(config.Options{
		ListenAddr:  flagListen,
		PublicURL:   flagPublicURL,
		DataDir:     flagDataDir,
		StoreDriver: flagStore,
		MDNS:        flagMDNS,
	})
	if err != nil {
		return err
	}
	if ttlSet {
		cfg.RecordTTL = flagTTL
	}
	logger := slog.Default().With("component", "server")

	store, err := record.Open(cfg.StoreDriver, cfg.DataDir)
	if err != nil {
		return transfer.NewError("open record store", err)
	}
	defer store.Close()

	objects, err := objectstore.New(filepath.Join(cfg.DataDir, "objects"), logger)
	if err != nil {
		return transfer.NewError("open object store", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return transfer.NewError("listen", err)
	}

	srv := server.New(store, objects, server.Options{
		PublicURL: cfg.PublicURL,
		RecordTTL: cfg.RecordTTL,
		Logger:    logger,
	})

	if cfg.MDNS {
		instance := flagInstance
		if instance == "" {
			instance, _ = os.Hostname()
		}
		adv, err := discovery.Advertise(discovery.Config{
			Instance:  "warplink-" + instance,
			Port:      ln.Addr().(*net.TCPAddr).Port,
			PublicURL: cfg.PublicURL,
			Version:   version.Version,
		})
		if err != nil {
			ui.PrintWarningf("mDNS advertisement disabled: %v", err)
		} else {
			defer adv.Stop()
		}
	}

	ui.PrintSuccessf("Record server on %s (store %s, data in %s)", cfg.PublicBaseURL(), cfg.StoreDriver, cfg.DataDir)
	return srv.Serve(ctx, ln)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&flagListen, "listen", "", "Listen address (default :8080)")
	f.StringVar(&flagPublicURL, "public-url", "", "URL prefix for direct links")
	f.StringVar(&flagDataDir, "data-dir", "", "Directory for records and hosted files")
	f.StringVar(&flagStore, "store", "", "Record store: sqlite, badger or memory")
	f.DurationVar(&flagTTL, "ttl", config.DefaultRecordTTL, "Record lifetime (0 keeps records forever)")
	f.BoolVar(&flagMDNS, "mdns", false, "Advertise the server on the local network")
	f.StringVar(&flagInstance, "name", "", "mDNS instance name (default hostname)")
}
