package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driveback/driveback/internal/config"
	"github.com/driveback/driveback/internal/daemon"
	"github.com/driveback/driveback/internal/utils"
	"github.com/driveback/driveback/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "driveback",
	Short:   "DriveBack keeps local app folders in sync with a remote drive",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("bye")
		return d.Run(cmd.Context())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the given flags",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd.Root())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if err := cfg.Validate(); err != nil {
			return err
		}

		path := viper.ConfigFileUsed()
		if path == "" {
			path = config.DefaultConfigPath
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", path)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "config file")
	flags.StringP("datadir", "d", config.DefaultDataDir, "local sync root")
	flags.StringP("server", "s", "", "remote store URL")
	flags.StringP("token", "t", "", "remote store API token")
	flags.StringP("root-folder", "r", "", "remote root folder ID")
	flags.String("control", config.DefaultControlURL, "control plane address")

	rootCmd.AddCommand(initCmd)
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func configFromViper() *config.Config {
	dataDir, err := utils.ResolvePath(viper.GetString("data_dir"))
	if err != nil {
		dataDir = viper.GetString("data_dir")
	}
	return &config.Config{
		Path:                viper.ConfigFileUsed(),
		DataDir:             dataDir,
		ServerURL:           viper.GetString("server_url"),
		APIToken:            viper.GetString("api_token"),
		RootFolderID:        viper.GetString("root_folder_id"),
		ControlURL:          viper.GetString("control_url"),
		ListIntervalSec:     viper.GetInt("list_interval_sec"),
		ConflictIntervalSec: viper.GetInt("conflict_interval_sec"),
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		path, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(filepath.Dir(config.DefaultConfigPath))
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return fmt.Errorf("config read %q: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))
	viper.BindPFlag("api_token", cmd.Flags().Lookup("token"))
	viper.BindPFlag("root_folder_id", cmd.Flags().Lookup("root-folder"))
	viper.BindPFlag("control_url", cmd.Flags().Lookup("control"))

	viper.SetEnvPrefix("DRIVEBACK")
	viper.AutomaticEnv()
	return nil
}

func setupLogging() {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		}),
	}

	if file := openLogFile(); file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	slog.SetDefault(slog.New(utils.NewMultiHandler(handlers...)))
}

func openLogFile() *os.File {
	if err := utils.EnsureParent(config.DefaultLogPath); err != nil {
		fmt.Fprintf(os.Stderr, "log dir: %v\n", err)
		return nil
	}
	file, err := os.OpenFile(config.DefaultLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log file: %v\n", err)
		return nil
	}
	return file
}
