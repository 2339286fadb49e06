package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/models"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/file"
)

type statusReport struct {
	Phase                  string `json:"phase"`
	ActiveVersion          string `json:"active_version,omitempty"`
	ActiveImageOK          bool   `json:"active_image_ok"`
	StageVersion           string `json:"stage_version,omitempty"`
	InstallRebooted        *bool  `json:"install_rebooted,omitempty"`
	StageInstalledCriteria string `json:"stage_installed_criteria,omitempty"`
	InstalledCriteria      string `json:"installed_criteria,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the upgrade record and the active image",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.state.Load()
			if err != nil {
				return err
			}
			report := statusReport{Phase: string(rec.Phase())}
			if rec.StageVersionValid {
				report.StageVersion = rec.StageVersion.String()
			}
			if rec.InstallRebootedValid {
				report.InstallRebooted = &rec.InstallRebooted
			}
			if rec.StageInstalledCriteriaValid {
				report.StageInstalledCriteria = rec.StageInstalledCriteria
			}
			if rec.PersistentInstalledCriteriaValid {
				report.InstalledCriteria = rec.PersistentInstalledCriteria
			}

			if header, err := a.sim.ActiveImageHeader(); err == nil {
				report.ActiveVersion = header.Version.String()
			}
			if report.ActiveImageOK, err = a.sim.ActiveImageOK(); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func newIsInstalledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "is-installed <criteria>",
		Short: "Check whether an update with the given installed criteria is installed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			w := models.NewUpdateWorkflow(models.UpdateCommandPayload{
				WorkflowID:        "cli",
				Action:            constants.ActionIsInstalled,
				InstalledCriteria: args[0],
			})
			res := a.handler.IsInstalled(context.Background(), w)
			fmt.Fprintln(cmd.OutOrStdout(), res.ResultCode)
			if res.IsFailure() {
				return fmt.Errorf("is-installed failed: %s", w.ResultDetails())
			}
			return nil
		},
	}
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Simulate a reset: run the bootloader swap and the post-reboot reconcile once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			rebooter := bootloader.RebooterFunc(func() {
				a.logger.Warn().Msg("Reset requested, run boot again to let the bootloader revert")
			})
			outcome, err := a.bootAndReconcile(rebooter)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome)
			return nil
		},
	}
}

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision <image>",
		Short: "Write a factory image to the primary slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			image, err := file.NewFileService().ReadFileRaw(args[0])
			if err != nil {
				return err
			}
			if err := a.sim.Provision(image); err != nil {
				return err
			}
			// A new factory image invalidates any record of an earlier update.
			return a.state.Reset(true)
		},
	}
}
