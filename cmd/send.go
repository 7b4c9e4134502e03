package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/files"
	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/signaling"
	"github.com/BioHazard786/warplink/internal/transfer"
	"github.com/BioHazard786/warplink/internal/ui"
	"github.com/BioHazard786/warplink/internal/utils"
	"github.com/BioHazard786/warplink/internal/webrtc"
)

const (
	maxStartAttempts = 3
	startBackoff     = 2 * time.Second
)

var errCancelled = errors.New("cancelled")

var (
	flagP2POnly   bool
	flagChunkSize int
)

var sendCmd = &cobra.Command{
	Use:     "send <file>",
	Aliases: []string{"s"},
	Short:   "Share a file",
	Long: `Share one file. It is uploaded to the record server as a direct link and
offered peer-to-peer while this command runs.

Examples:
  warplink send report.pdf
  warplink send --p2p-only video.mp4
  warplink send --server https://files.example.com --relay notes.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendFile(cmd.Context(), args[0])
	},
}

func sendFile(ctx context.Context, path string) error {
	info, err := files.Inspect(path)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(ui.FileCard(info.Name, info.Size, info.Type))

	cfg, err := loadConfig(config.Options{})
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	rec := record.Record{Name: info.Name, Size: info.Size, Type: info.Type}
	if !flagP2POnly {
		obj, err := upload(ctx, client, info)
		if err != nil {
			ui.PrintWarningf("Direct link unavailable, sharing peer-to-peer only: %v", err)
		} else {
			rec.DownloadURL = obj.DownloadURL
			rec.StoragePath = obj.StoragePath
		}
	}

	stop := ui.RunNetworkSpinner("Creating record...")
	created, token, err := client.CreateRecord(ctx, rec)
	stop()
	if err != nil {
		return transfer.NewError("create record", err)
	}

	fmt.Println()
	ui.ShareInfo{
		RecordID:   created.ID,
		ShareLink:  shareLink(client.BaseURL(), created.ID),
		DirectLink: client.ResolveLink(created.DownloadURL),
		OwnerToken: token,
	}.Render()

	if reason := utils.RelayReason(); reason != "" && cfg.GetTURNServers() == nil {
		ui.PrintWarningf("%s detected; the peer link may fail without a TURN server (--turn)", reason)
	}

	return runSender(ctx, cfg, client, created, info)
}

func upload(ctx context.Context, client *signaling.Client, info files.FileInfo) (signaling.Object, error) {
	f, err := os.Open(info.Path)
	if err != nil {
		return signaling.Object{}, err
	}
	defer f.Close()

	s := ui.NewNetworkSpinner("Uploading " + info.Name + "...").Start()
	obj, err := client.Upload(ctx, info.Name, f, info.Size)
	if err != nil {
		s.Fail("Upload failed")
		return signaling.Object{}, err
	}
	s.Success("Uploaded " + utils.FormatSize(obj.Size))
	return obj, nil
}

func runSender(ctx context.Context, cfg *config.Config, client *signaling.Client, rec record.Record, info files.FileInfo) error {
	progress := transfer.NewProgress(info.Name, info.Size)
	view := newTransferView(ui.ModeSend, progress, rec.HasDirectLink())
	view.Start()

	sess, err := transfer.NewSession(ctx, transfer.Options{
		RecordID:     rec.ID,
		Role:         peer.Initiator,
		Channel:      signaling.NewChannel(client, slog.Default()),
		NewTransport: webrtc.NewFactory(cfg, slog.Default()),
		ChunkSize:    flagChunkSize,
		OnStatus:     view.SetStatus,
		OnProgress:   func(n, _ int64) { progress.Set(n) },
	})
	if err != nil {
		view.Stop()
		return transfer.NewError("start session", err)
	}
	defer sess.Close()

	err = deliver(ctx, sess, view, info)
	switch {
	case err == nil:
		progress.Finish()
		view.Finish(true, "Delivered to the receiver")
		fmt.Println()
		ui.TransferSummary{
			Status:   ui.IconComplete + " Delivered",
			Path:     "peer-to-peer",
			Name:     info.Name,
			Size:     info.Size,
			Duration: progress.Elapsed(),
			Speed:    progress.Speed(),
		}.Render()
		return nil

	case rec.HasDirectLink():
		// the peer path is additive; the hosted copy still serves the file
		view.Finish(false, "Peer link closed: "+err.Error())
		ui.PrintInfof("The file stays available at %s", client.ResolveLink(rec.DownloadURL))
		return nil

	default:
		view.Finish(false, err.Error())
		return err
	}
}

// deliver negotiates the peer link and streams the file once it is up.
func deliver(ctx context.Context, sess *transfer.Session, view *ui.TransferView, info files.FileInfo) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-view.Cancelled():
			cancel(errCancelled)
		case <-ctx.Done():
		}
	}()

	if err := connectPeer(ctx, sess); err != nil {
		return contextCause(ctx, err)
	}

	f, err := os.Open(info.Path)
	if err != nil {
		return transfer.NewFileError("open", info.Path, err)
	}
	defer f.Close()

	if err := sess.SendFile(ctx, f, info.Name, info.Type, info.Size); err != nil {
		return contextCause(ctx, err)
	}

	ended := make(chan struct{})
	go func() {
		_, _ = sess.WaitStatus(ctx)
		close(ended)
	}()
	select {
	case <-sess.Delivered():
		return nil
	case <-ended:
		select {
		case <-sess.Delivered():
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if err := sess.Err(); err != nil {
			return err
		}
		return errors.New("receiver closed the connection before confirming the file")
	}
}

// connectPeer starts the session and waits for the link, retrying while
// the record server is unreachable.
func connectPeer(ctx context.Context, sess *transfer.Session) error {
	for attempt := 1; ; attempt++ {
		if err := sess.Start(); err != nil {
			return err
		}
		st, err := sess.WaitStatus(ctx, peer.Connected)
		if err != nil {
			return err
		}
		if st == peer.Connected {
			return nil
		}

		err = sess.Err()
		if !errors.Is(err, transfer.ErrSignalingUnavailable) || attempt == maxStartAttempts {
			if err == nil {
				err = transfer.ErrNotConnected
			}
			return err
		}
		slog.Info("record server unreachable, retrying", "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * startBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func contextCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().BoolVar(&flagP2POnly, "p2p-only", false, "Do not upload a direct link copy")
	sendCmd.Flags().IntVar(&flagChunkSize, "chunk-size", 0, "Fixed chunk size in bytes (0 adapts to throughput)")
}
