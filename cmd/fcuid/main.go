// Command fcuid mints, maps, commits and verifies FCUIDs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fsl-continuum/fcuid/internal/config"
	"github.com/fsl-continuum/fcuid/internal/service"
	"github.com/fsl-continuum/fcuid/internal/telemetry"
	"github.com/fsl-continuum/fcuid/internal/ui"
)

var (
	jsonOutput  bool
	configPath  string
	logLevel    string
	logFormat   string
	requesterID string

	log = logrus.New()

	// rootCtx is cancelled on SIGINT/SIGTERM.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "fcuid",
	Short:         "Federated cross-system unique identifiers with dual-ledger audit",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			err = config.InitializeFile(configPath)
		} else {
			err = config.Initialize()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := setupLogger(cmd); err != nil {
			return err
		}
		ui.ConfigureColor()
		tc, err := config.TelemetrySettings()
		if err != nil {
			return err
		}
		return telemetry.Init(rootCtx, tc, "fcuid", Version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("flush telemetry")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./fcuid.yaml, .fcuid/, ~/.config/fcuid/)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides log.level)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or text (overrides log.format)")
	rootCmd.PersistentFlags().StringVar(&requesterID, "requester", "", "Requester identity for rate limiting (default: $USER)")
}

// setupLogger applies log.level and log.format, letting flags win.
func setupLogger(cmd *cobra.Command) error {
	level := config.GetString("log.level")
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	format := config.GetString("log.format")
	if cmd.Flags().Changed("log-format") {
		format = logFormat
	}
	switch format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json", "":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (expected json or text)", format)
	}
	return nil
}

// requester identifies the CLI caller to the rate limiter.
func requester() service.Requester {
	id := requesterID
	if id == "" {
		id = os.Getenv("USER")
	}
	if id == "" {
		id = "cli"
	}
	return service.Requester{ID: id, IP: "127.0.0.1"}
}

// withApp opens the wired application for the duration of fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(rootCtx, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.WithError(cerr).Warn("close")
		}
	}()
	return fn(rootCtx, a)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			outputJSONError(err, errorCode(err))
		}
		FatalError("%v", err)
	}
}
