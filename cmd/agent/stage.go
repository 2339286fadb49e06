package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/models"
)

func newStageCmd() *cobra.Command {
	var (
		criteria  string
		size      int64
		algorithm string
		digest    string
	)

	cmd := &cobra.Command{
		Use:   "stage <uri>",
		Short: "Download, verify and apply one image without MQTT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			uri := args[0]
			if size == 0 {
				info, err := os.Stat(uri)
				if err != nil {
					return fmt.Errorf("--size is required for remote images: %w", err)
				}
				size = info.Size()
			}

			file := models.FileEntity{FileID: "cli", DownloadURI: uri, SizeInBytes: size}
			if digest != "" {
				file.Hashes = []models.FileHash{{Algorithm: algorithm, Value: digest}}
			}
			w := models.NewUpdateWorkflow(models.UpdateCommandPayload{
				WorkflowID:        "cli",
				Action:            constants.ActionDeploy,
				InstalledCriteria: criteria,
				Files:             []models.FileEntity{file},
			})

			ctx := context.Background()
			steps := []struct {
				name string
				run  func() models.Result
			}{
				{"download", func() models.Result { return a.handler.Download(ctx, w) }},
				{"install", func() models.Result { return a.handler.Install(ctx, w) }},
				{"apply", func() models.Result { return a.handler.Apply(ctx, w) }},
			}
			for _, step := range steps {
				res := step.run()
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s (erc 0x%08x)\n", step.name, res.ResultCode, uint32(res.ExtendedResultCode))
				if res.IsFailure() {
					return fmt.Errorf("%s failed: %s", step.name, w.ResultDetails())
				}
			}
			if w.RebootRequested() {
				fmt.Fprintln(cmd.OutOrStdout(), "reboot required: run `ota-agent boot` to swap in the staged image")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&criteria, "criteria", "", "installed criteria recorded for the image")
	cmd.Flags().Int64Var(&size, "size", 0, "image size in bytes (defaults to the local file size)")
	cmd.Flags().StringVar(&algorithm, "hash-alg", "sha256", "digest algorithm")
	cmd.Flags().StringVar(&digest, "hash", "", "base64 digest of the image")
	_ = cmd.MarkFlagRequired("criteria")
	return cmd
}
