package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ipsix/knockscan/internal/cli"
	"github.com/ipsix/knockscan/internal/config"
	"github.com/ipsix/knockscan/internal/daemon"
	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/orchestrator"
	"github.com/ipsix/knockscan/internal/report"
	"github.com/ipsix/knockscan/internal/storage"
	"github.com/ipsix/knockscan/internal/whitelist"
)

var (
	version    = "0.1.0"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "knockscan",
	Short:         "Persistence scanner",
	Long:          `knockscan enumerates persistently installed software and reports its hashes, signing and reputation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	scanFilter bool
	scanOutput string
	scanJSON   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan and print the report",
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled scans and serve the control API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		logger := logging.New(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
		defer logger.Sync()
		logger.Info("knockscan starting",
			logging.Field{Key: "version", Value: version},
			logging.Field{Key: "config", Value: cfg.Redacted()},
		)
		return daemon.New(cfg, logger, configPath).Run(cmd.Context())
	},
}

var reloadPID string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Send SIGHUP to a running daemon to reload its whitelist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pid := reloadPID
		if pid == "" {
			pid = os.Getenv("KNOCKSCAN_PID")
		}
		if pid == "" {
			return fmt.Errorf("pid is required (use --pid or KNOCKSCAN_PID)")
		}
		parsed, err := strconv.Atoi(pid)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("pid must be a positive integer")
		}
		proc, err := os.FindProcess(parsed)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "reload signal sent")
		return nil
	},
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Inspect the known-good whitelist",
}

var whitelistCheckCmd = &cobra.Command{
	Use:   "check <sha1|command|extension-id>",
	Short: "Report which whitelist sets contain a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrDefault(configPath)
		if err != nil {
			return err
		}
		wl, err := daemon.LoadWhitelist(cfg.Whitelist, nil)
		if err != nil {
			return err
		}
		found := false
		for _, set := range []whitelist.Set{whitelist.Files, whitelist.Commands, whitelist.Extensions} {
			if wl.Contains(set, args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", set, args[0])
				found = true
			}
		}
		if !found {
			fmt.Fprintf(cmd.OutOrStdout(), "not whitelisted: %s\n", args[0])
		}
		return nil
	},
}

var envFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and storage settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		restore, err := loadEnvFile(envFile)
		if err != nil {
			return err
		}
		defer restore()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Storage.DBPath != "" {
			store, err := storage.Open(storage.Options{Path: cfg.Storage.DBPath, EncryptionKeyBase64: cfg.Storage.EncryptionKeyBase64})
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), `{"status":"ok"}`)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "knockscan v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "config file (.json, .yaml or .yml)")

	scanCmd.Flags().BoolVar(&scanFilter, "filter", false, "Hide whitelisted and Apple-signed items")
	scanCmd.Flags().StringVar(&scanOutput, "output", "", "Findings file (default from config, kkFindings.txt)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print the report as JSON instead of text")

	reloadCmd.Flags().StringVar(&reloadPID, "pid", "", "PID of the daemon (or set KNOCKSCAN_PID)")
	validateCmd.Flags().StringVar(&envFile, "env-file", "", "Env file to load before validating")

	whitelistCmd.AddCommand(whitelistCheckCmd)
	rootCmd.AddCommand(scanCmd, daemonCmd, reloadCmd, whitelistCmd, validateCmd, versionCmd, cli.NewCtlCommand())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cmd.Flags().Changed("filter") {
		cfg.Scan.FilterKnownItems = scanFilter
	}
	if scanOutput != "" {
		cfg.Scan.OutputPath = scanOutput
	}

	// The report owns stdout.
	logger := logging.NewTo(os.Stderr, "text", "warn")
	defer logger.Sync()

	app, err := daemon.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	rep, err := app.Orchestrator.Run(cmd.Context(), orchestrator.Options{})
	if err != nil {
		return err
	}
	if app.Reputation != nil {
		app.Reputation.Wait()
	}

	out := cmd.OutOrStdout()
	if scanJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	_, err = fmt.Fprint(out, report.Serialize(rep))
	return err
}
