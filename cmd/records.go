package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warplink/internal/config"
	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/signaling"
	"github.com/BioHazard786/warplink/internal/transfer"
	"github.com/BioHazard786/warplink/internal/ui"
)

var flagToken string

var infoCmd = &cobra.Command{
	Use:   "info <record-id|share-link>",
	Short: "Show a shared file's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, id, err := recordClient(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		rec, err := client.Get(cmd.Context(), id)
		if errors.Is(err, record.ErrNotFound) {
			return fmt.Errorf("file %s not found or has expired", id)
		}
		if err != nil {
			return transfer.NewError("fetch record", err)
		}
		rec.DownloadURL = client.ResolveLink(rec.DownloadURL)
		fmt.Println(ui.RecordTable(rec))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <record-id|share-link>",
	Short: "Delete a shared file and its hosted copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagToken == "" {
			return errors.New("--token is required; it was printed when the file was shared")
		}
		client, id, err := recordClient(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		err = client.DeleteWithToken(cmd.Context(), id, flagToken)
		switch {
		case errors.Is(err, signaling.ErrForbidden):
			return errors.New("owner token rejected")
		case errors.Is(err, record.ErrNotFound):
			return fmt.Errorf("file %s not found or has expired", id)
		case err != nil:
			return transfer.NewError("delete record", err)
		}
		ui.PrintSuccessf("Deleted %s", id)
		return nil
	},
}

func recordClient(ctx context.Context, input string) (*signaling.Client, string, error) {
	id, linkServer, err := parseRecordInput(input)
	if err != nil {
		return nil, "", err
	}
	cfg, err := loadConfig(config.Options{ServerURL: linkServer})
	if err != nil {
		return nil, "", err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	return client, id, nil
}

func init() {
	rootCmd.AddCommand(infoCmd, deleteCmd)

	deleteCmd.Flags().StringVar(&flagToken, "token", "", "Owner token printed by send")
}
