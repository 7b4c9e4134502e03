package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/transfer"
	"github.com/BioHazard786/warplink/internal/ui"
	"github.com/BioHazard786/warplink/internal/version"
)

var (
	flagConfig   string
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagDiscover bool

	// viewOutput, when set, receives transfer views instead of the terminal
	viewOutput io.Writer
)

var rootCmd = &cobra.Command{
	Use:   "warplink",
	Short: "Share a file peer-to-peer with a hosted direct link as fallback",
	Long: `warplink shares one file through a record server. The receiver gets the
file straight from the sender over WebRTC when both are online, and from the
server-hosted direct link otherwise.`,
	Version:       version.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

// loadConfig merges the persistent flags with any command-specific options.
func loadConfig(extra config.Options) (*config.Config, error) {
	opts := extra
	opts.ConfigFile = flagConfig
	opts.ServerURL = firstNonEmpty(flagServer, extra.ServerURL)
	opts.STUNServer = flagSTUN
	opts.TURNServer = flagTURN
	opts.TURNUser = flagTURNUser
	opts.TURNPass = flagTURNPass
	opts.ForceRelay = flagRelay

	cfg, err := config.Load(opts)
	if err != nil {
		return nil, transfer.NewError("load config", err)
	}
	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, errors.New("cannot force relay mode without a TURN server configured")
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "Config file (default ./warplink.yaml or ~/.config/warplink/warplink.yaml)")
	pf.StringVar(&flagServer, "server", "", "Record server URL")
	pf.BoolVar(&flagDiscover, "discover", false, "Find the record server on the local network")
	pf.StringVar(&flagSTUN, "stun", "", "Custom STUN server")
	pf.StringVar(&flagTURN, "turn", "", "Custom TURN server")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	pf.BoolVar(&flagRelay, "relay", false, "Force relay mode")
}

func newTransferView(mode ui.Mode, p *transfer.Progress, directLink bool) *ui.TransferView {
	v := ui.NewTransferView(mode, p, directLink)
	if viewOutput != nil {
		v.RenderTo(viewOutput)
	}
	return v
}
