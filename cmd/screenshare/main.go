package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/screenshare/internal/audit"
	"github.com/breeze-rmm/screenshare/internal/config"
	"github.com/breeze-rmm/screenshare/internal/logging"
	"github.com/breeze-rmm/screenshare/internal/platform"
	"github.com/breeze-rmm/screenshare/internal/service"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "screenshare",
	Short:         "Screen share negotiation daemon",
	Long:          `screenshare brokers capture requests from host runtimes: source enumeration, the picker and loopback audio binding.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Print the detected host and negotiation policy as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		h := platform.Detect(cmd.Context())
		out := struct {
			Host     platform.Host     `json:"host"`
			Decision platform.Decision `json:"decision"`
		}{h, platform.Decide(h)}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		for _, err := range cfg.Validate() {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the grant/deny audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the hash chain of an audit trail file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path = cfg.AuditFile
		}
		if path == "" {
			return fmt.Errorf("no audit file configured")
		}

		n, err := audit.Verify(path)
		if err != nil {
			return fmt.Errorf("%s: %w (%d entries verified)", path, err, n)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "screenshare v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is screenshare.yaml in the platform config dir)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closer.Close()
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	// Validate logs its own warnings and applies clamped values in place.
	cfg.Validate()

	log.Info("starting screenshare", "version", version, "socket", cfg.SocketPath)

	if isWindowsService() {
		return runAsService(func(ctx context.Context) error {
			return service.New(cfg, service.Deps{}).Run(ctx)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.New(cfg, service.Deps{}).Run(ctx); err != nil {
		return err
	}
	log.Info("screenshare stopped")
	return nil
}
