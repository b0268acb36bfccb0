package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	backupagent "github.com/httprunner/BackupAgent"
	"github.com/httprunner/BackupAgent/internal/api"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		flagAddr         string
		flagSchedule     string
		flagPollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll attached phones and serve the JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings
			s.HTTPAddr = firstNonEmpty(flagAddr, s.HTTPAddr)
			s.Schedule = firstNonEmpty(flagSchedule, s.Schedule)
			if flagPollInterval > 0 {
				s.PollInterval = flagPollInterval
			}

			agent, err := openAgent(s)
			if err != nil {
				return err
			}
			defer agent.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := api.New(agent.Service(), api.Config{
				Addr:      s.HTTPAddr,
				HostID:    backupagent.HostID(),
				RateLimit: s.APIRateLimit,
			})
			log.Info().
				Str("addr", s.HTTPAddr).
				Str("schedule", s.Schedule).
				Str("manifest_path", s.ManifestPath).
				Msg("starting backup agent")
			return agent.Run(ctx, backupagent.Worker{Name: "http", Run: server.Run})
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (default from HTTP_ADDR or :8080)")
	cmd.Flags().StringVar(&flagSchedule, "schedule", "", "Cron expression for periodic backups (default from BACKUP_SCHEDULE)")
	cmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "Connectivity poll interval (default from POLL_INTERVAL or 5s)")

	return cmd
}
