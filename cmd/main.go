package main

import (
	"io"
	"os"

	backupagent "github.com/httprunner/BackupAgent"
	"github.com/httprunner/BackupAgent/internal/config"
	"github.com/httprunner/BackupAgent/internal/env"
	"github.com/httprunner/BackupAgent/internal/logging"
	"github.com/httprunner/BackupAgent/internal/providers/adb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "backupagent",
	Short: "Back up USB-attached Android phones over adb",
	Long:  `backupagent 监视通过 USB 连接的手机，按设备上的 phone_info.json 识别身份，并将清单中的目录备份到本地。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		settings = resolveSettings()
		logCloser = logging.Setup(logging.Options{Level: settings.LogLevel, File: settings.LogFile})
		if path := env.LoadedPath(); path != "" {
			log.Debug().Str("dotenv", path).Msg("environment loaded")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
	SilenceUsage: true,
}

var (
	rootBackupLocation string
	rootDBPath         string
	rootManifestPath   string
	rootLogLevel       string
	rootLogFile        string

	settings  config.Settings
	logCloser io.Closer
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootBackupLocation, "backup-location", "", "本地备份根目录，覆盖 BACKUP_LOCATION")
	flags.StringVar(&rootDBPath, "db", "", "sqlite 数据库路径，覆盖 BACKUP_DB_PATH")
	flags.StringVar(&rootManifestPath, "manifest-path", "", "设备上 manifest 路径，覆盖 DEVICE_MANIFEST_PATH")
	flags.StringVar(&rootLogLevel, "log-level", "", "日志级别，覆盖 LOG_LEVEL")
	flags.StringVar(&rootLogFile, "log-file", "", "滚动日志文件，覆盖 LOG_FILE")
	rootCmd.AddCommand(
		newServeCmd(),
		newDevicesCmd(),
		newAddDeviceCmd(),
		newBackupCmd(),
	)
	_ = env.Ensure()
}

func resolveSettings() config.Settings {
	s := config.Load()
	s.BackupLocation = firstNonEmpty(rootBackupLocation, s.BackupLocation)
	s.DBPath = firstNonEmpty(rootDBPath, s.DBPath)
	s.ManifestPath = firstNonEmpty(rootManifestPath, s.ManifestPath)
	s.LogLevel = firstNonEmpty(rootLogLevel, s.LogLevel)
	s.LogFile = firstNonEmpty(rootLogFile, s.LogFile)
	return s
}

// openAgent wires the adb link and opens the agent; callers must Close it.
func openAgent(s config.Settings) (*backupagent.Agent, error) {
	link, err := adb.NewDefault(
		adb.WithManifestPath(s.ManifestPath),
		adb.WithUSBResolver(adb.NewSysfsResolver(s.USBSysfsRoot)),
	)
	if err != nil {
		return nil, err
	}
	return backupagent.NewAgent(s, link)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("backupagent command failed")
	}
}
