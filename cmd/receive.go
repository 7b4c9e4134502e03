package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/signaling"
	"github.com/BioHazard786/warplink/internal/transfer"
	"github.com/BioHazard786/warplink/internal/ui"
	"github.com/BioHazard786/warplink/internal/utils"
	"github.com/BioHazard786/warplink/internal/webrtc"
)

const defaultPeerWait = 10 * time.Second

var (
	flagReceiveDir string
	flagDirect     bool
	flagPeerWait   time.Duration
)

var receiveCmd = &cobra.Command{
	Use:     "receive <record-id|share-link>",
	Aliases: []string{"r"},
	Short:   "Receive a shared file",
	Long: `Receive a shared file from the sender directly, falling back to the hosted
direct link when the sender cannot be reached.

Examples:
  warplink receive brave-otter-sings-42
  warplink receive http://files.local:8080/r/brave-otter-sings-42
  warplink receive --direct -d ~/Downloads brave-otter-sings-42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return receiveFile(cmd.Context(), args[0])
	},
}

func receiveFile(ctx context.Context, input string) error {
	id, linkServer, err := parseRecordInput(input)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(config.Options{ServerURL: linkServer})
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	stop := ui.RunNetworkSpinner("Looking up " + id + "...")
	rec, err := client.Get(ctx, id)
	stop()
	if errors.Is(err, record.ErrNotFound) {
		return fmt.Errorf("file %s not found or has expired", id)
	}
	if err != nil {
		return transfer.NewError("fetch record", err)
	}

	fmt.Println()
	fmt.Println(ui.FileCard(rec.Name, rec.Size, rec.Type))

	if flagDirect {
		if !rec.HasDirectLink() {
			return errors.New("this file has no direct link; receive it peer-to-peer instead")
		}
		return downloadDirect(ctx, client, rec)
	}
	return receivePeer(ctx, cfg, client, rec)
}

// receivePeer waits for the sender and falls back to the direct link when
// the peer path ends or does not connect within --peer-wait.
func receivePeer(ctx context.Context, cfg *config.Config, client *signaling.Client, rec record.Record) error {
	return receiveWithFallback(ctx, client, rec, webrtc.NewFactory(cfg, slog.Default()), flagPeerWait)
}

func receiveWithFallback(ctx context.Context, client *signaling.Client, rec record.Record, newTransport peer.TransportFactory, peerWait time.Duration) error {
	progress := transfer.NewProgress(rec.Name, rec.Size)
	view := newTransferView(ui.ModeReceive, progress, rec.HasDirectLink())

	statuses := make(chan peer.State, 16)
	completed := make(chan transfer.Blob, 1)
	failures := make(chan error, 1)

	view.Start()
	sess, err := transfer.NewSession(ctx, transfer.Options{
		RecordID:     rec.ID,
		Role:         peer.Responder,
		Channel:      signaling.NewChannel(client, slog.Default()),
		NewTransport: newTransport,
		Name:         rec.Name,
		MimeType:     rec.Type,
		ExpectedSize: rec.Size,
		OnStatus: func(st peer.State) {
			view.SetStatus(st)
			select {
			case statuses <- st:
			default:
			}
		},
		OnComplete: func(b transfer.Blob) { completed <- b },
		OnError: func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
		OnProgress: func(n, _ int64) { progress.Set(n) },
	})
	if err != nil {
		view.Stop()
		return transfer.NewError("start session", err)
	}
	defer sess.Close()

	if err := sess.Start(); err != nil {
		view.Stop()
		return transfer.NewError("start session", err)
	}

	var wait <-chan time.Time
	if rec.HasDirectLink() {
		timer := time.NewTimer(peerWait)
		defer timer.Stop()
		wait = timer.C
	}

	fallback := func(reason string) error {
		_ = sess.Close()
		if !rec.HasDirectLink() {
			view.Finish(false, reason)
			if err := sess.Err(); err != nil {
				return transfer.WrapError("receive", err, reason)
			}
			return errors.New(reason)
		}
		view.Finish(false, reason+", switching to the direct link")
		return downloadDirect(ctx, client, rec)
	}

	for {
		select {
		case blob := <-completed:
			return savePeerBlob(blob, progress, view)

		case st := <-statuses:
			if st == peer.Connected {
				wait = nil
			}
			if !st.Terminal() {
				continue
			}
			// the outcome is queued before the status that ended the link
			select {
			case blob := <-completed:
				return savePeerBlob(blob, progress, view)
			case err := <-failures:
				return fallback(err.Error())
			default:
			}
			switch transfer.Resolve(st, rec.HasDirectLink()).Action {
			case transfer.DirectOnly, transfer.Unavailable:
				return fallback("peer connection " + st.String())
			}

		case err := <-failures:
			return fallback(err.Error())

		case <-wait:
			return fallback(fmt.Sprintf("sender did not connect within %s", peerWait))

		case <-view.Cancelled():
			return errCancelled

		case <-ctx.Done():
			view.Stop()
			return ctx.Err()
		}
	}
}

func savePeerBlob(blob transfer.Blob, progress *transfer.Progress, view *ui.TransferView) error {
	progress.Finish()
	path, err := blob.Save(flagReceiveDir)
	if err != nil {
		view.Finish(false, err.Error())
		return err
	}
	view.Finish(true, "Saved to "+path)
	fmt.Println()
	ui.TransferSummary{
		Status:   ui.IconComplete + " Received",
		Path:     "peer-to-peer",
		Name:     blob.Name,
		Size:     blob.Size(),
		Duration: progress.Elapsed(),
		Speed:    progress.Speed(),
	}.Render()
	return nil
}

// downloadDirect fetches the hosted copy and counts the download.
func downloadDirect(ctx context.Context, client *signaling.Client, rec record.Record) error {
	dir := flagReceiveDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return transfer.NewFileError("create directory", dir, err)
	}
	path, err := utils.UniqueFilename(dir, rec.Name)
	if err != nil {
		return transfer.NewFileError("pick file name", rec.Name, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return transfer.NewFileError("create", path, err)
	}

	progress := transfer.NewProgress(rec.Name, rec.Size)
	view := newTransferView(ui.ModeReceive, progress, true)
	view.Start()
	view.SetStatus(peer.Closed)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-view.Cancelled():
			cancel()
		case <-ctx.Done():
		}
	}()

	n, err := client.Download(ctx, rec.DownloadURL, &progressWriter{w: f, progress: progress})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && rec.Size > 0 && n != rec.Size {
		err = fmt.Errorf("%w: expected %d bytes, got %d", transfer.ErrSizeMismatch, rec.Size, n)
	}
	if err != nil {
		_ = os.Remove(path)
		view.Finish(false, err.Error())
		return transfer.NewFileError("download", rec.Name, err)
	}
	progress.Finish()
	view.Finish(true, "Saved to "+path)

	if _, err := client.IncrementDownloadCount(ctx, rec.ID); err != nil {
		slog.Warn("counting download failed", "record", rec.ID, "error", err)
	}

	fmt.Println()
	ui.TransferSummary{
		Status:   ui.IconComplete + " Received",
		Path:     "direct link",
		Name:     rec.Name,
		Size:     n,
		Duration: progress.Elapsed(),
		Speed:    progress.Speed(),
	}.Render()
	return nil
}

type progressWriter struct {
	w        io.Writer
	progress *transfer.Progress
	n        int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.n += int64(n)
	pw.progress.Set(pw.n)
	return n, err
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVarP(&flagReceiveDir, "dir", "d", "", "Directory to save the file in")
	receiveCmd.Flags().BoolVar(&flagDirect, "direct", false, "Skip the peer path and use the direct link")
	receiveCmd.Flags().DurationVar(&flagPeerWait, "peer-wait", defaultPeerWait, "How long to wait for the sender before using the direct link")
}
