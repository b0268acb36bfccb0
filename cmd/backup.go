package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	var flagHistory int

	cmd := &cobra.Command{
		Use:   "backup <vendor-id> <product-id>",
		Short: "Run one backup of a registered phone in the foreground",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vendorID, productID, err := parseKeyArgs(args)
			if err != nil {
				return err
			}
			agent, err := openAgent(settings)
			if err != nil {
				return err
			}
			defer agent.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := agent.Restore(ctx); err != nil {
				return err
			}

			svc := agent.Service()
			if flagHistory > 0 {
				runs, err := svc.BackupHistory(ctx, vendorID, productID, flagHistory)
				if err != nil {
					return err
				}
				for _, r := range runs {
					fmt.Printf("%s  %-15s %d/%d ok  %s\n",
						r.StartAt.Format("2006-01-02 15:04:05"), r.State, r.Counts.Succeeded, r.Counts.Total, r.Error)
				}
				return nil
			}

			res, err := svc.RunBackup(ctx, vendorID, productID)
			if err != nil {
				return err
			}
			log.Info().
				Str("run_id", res.RunID).
				Str("state", string(res.State)).
				Str("local_root", res.LocalRoot).
				Int("succeeded", res.Counts.Succeeded).
				Int("failed", res.Counts.Failed).
				Msg("backup finished")
			switch res.State {
			case device.BackupUpToDate:
				return nil
			case device.BackupPartialSuccess:
				return errors.Errorf("backup incomplete: %s", res.Error)
			default:
				return errors.Errorf("backup %s: %s", res.State, res.Error)
			}
		},
	}
	cmd.Flags().IntVar(&flagHistory, "history", 0, "Print the last N recorded runs instead of running a backup")
	return cmd
}
