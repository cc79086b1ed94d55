package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/config"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/diag"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/transport"
)

var (
	// Global flags
	verbose    bool
	probeID    string
	configPath string
	tracePath  string

	cfg config.Config
	log = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "otprobe",
	Short: "CMSIS-DAP debug probe and flash programming tool",
	Long: `Open a CMSIS-DAP debug probe, control the attached Cortex-M target and
program its on-chip flash with verification.

Examples:
  otprobe check-driver                         # Check the J-Link library install
  otprobe interfaces                           # List attached probes
  otprobe info --probe sim:default             # Handshake and identify the target
  otprobe program app.hex --verify checksum    # Program an Intel HEX image
  otprobe read 0x10000100 4                    # Dump target memory`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

// Execute runs the root command
func Execute() {
	// Ctrl-C aborts a running flash job between chunks.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		if hint := diag.Explain(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&probeID, "probe", "p", "", "probe id (usb[:VID:PID[:serial]], serial:<port>, sim[:name])")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&tracePath, "trace", "", "append a CBOR trace of all probe commands to this file")
}

func setup(cmd *cobra.Command) error {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	if probeID != "" {
		cfg.Probe = probeID
	}
	if tracePath != "" {
		cfg.Trace = tracePath
	}
	transport.Register("jlink", transport.JLinkDriver{Loader: cfg.Loader()})
	log.Debug().Str("probe", cfg.Probe).Str("config", configPath).Msg("configuration loaded")
	return nil
}
