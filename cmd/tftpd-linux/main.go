package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktauchathuranga/tftpd-linux/internal/config"
	"github.com/ktauchathuranga/tftpd-linux/internal/tftplog"
	"github.com/ktauchathuranga/tftpd-linux/internal/tftpsrv"
	"github.com/ktauchathuranga/tftpd-linux/internal/utils"
)

var (
	configFile             string
	rootDir                string
	logLevel               string
	logFormat              string
	maxRetries             int
	timeout                int
	blockWrap              string
	deletePartialOnFailure bool
)

var rootCmd = &cobra.Command{
	Use:   "tftpd-linux [PORT]",
	Short: "A TFTP (RFC 1350) server",
	Long: `tftpd-linux serves files from a root directory over UDP using the
Trivial File Transfer Protocol.

Examples:
  tftpd-linux
  tftpd-linux 6969
  tftpd-linux --root=/srv/tftp 69`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServer,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "configuration file path (YAML)")
	rootCmd.Flags().StringVar(&rootDir, "root", "", "serving root directory (default: current working directory)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retransmissions before a session times out")
	rootCmd.Flags().IntVar(&timeout, "timeout", 0, "retransmission timeout in seconds")
	rootCmd.Flags().StringVar(&blockWrap, "block-wrap", "", "block-number wrap policy at 65535: zero or one")
	rootCmd.Flags().BoolVar(&deletePartialOnFailure, "delete-partial-on-failure", true, "delete a partially written file when a write session fails")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyCLIFlags(cmd, cfg, args); err != nil {
		return err
	}

	if cfg.Root, err = filepath.Abs(cfg.Root); err != nil {
		return fmt.Errorf("failed to resolve serving root: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger := tftplog.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting tftpd-linux...")
	logger.Info("serving root: %s", cfg.Root)

	shell, err := tftpsrv.NewShell(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- shell.Start(ctx)
	}()

	go utils.GracefulShutdown(ctx, cancel, logger, shell.Stop)

	if err := <-errCh; err != nil {
		logger.Error("server error: %v", err)
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// applyCLIFlags overlays the positional PORT argument and any explicitly
// set flags onto cfg, which starts from file-or-default values.
func applyCLIFlags(cmd *cobra.Command, cfg *config.Config, args []string) error {
	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid PORT %q: must be a decimal integer in [1, 65535]", args[0])
		}
		cfg.Port = port
	}

	if rootDir != "" {
		cfg.Root = rootDir
	} else if cfg.Root == "" || cfg.Root == "." {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		cfg.Root = wd
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if cmd.Flags().Changed("max-retries") {
		cfg.Transfer.MaxRetries = maxRetries
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Transfer.Timeout = time.Duration(timeout) * time.Second
	}
	if cmd.Flags().Changed("block-wrap") {
		cfg.Transfer.BlockWrap = blockWrap
	}
	if cmd.Flags().Changed("delete-partial-on-failure") {
		cfg.Transfer.DeletePartialOnFailure = deletePartialOnFailure
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
