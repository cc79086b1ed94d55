package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/diag"
)

var strictDriver bool

var checkDriverCmd = &cobra.Command{
	Use:   "check-driver",
	Short: "Check the J-Link driver library and list probes",
	Long: `Load the SEGGER J-Link library, print its version and list the attached
probes. A missing or outdated library is reported as a warning; with --strict
it is an error.`,
	RunE: runCheckDriver,
}

func init() {
	rootCmd.AddCommand(checkDriverCmd)
	checkDriverCmd.Flags().BoolVar(&strictDriver, "strict", false, "fail when the driver library is missing or too old")
}

func runCheckDriver(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	r := diag.NewReporter(append(cfg.DiagOptions(), diag.WithLogger(log))...)
	rep, err := r.Check(ctx)
	if err != nil {
		return err
	}

	if rep.Driver != nil {
		fmt.Printf("J-Link library: %s (%s)\n", rep.Driver, rep.Driver.Path)
	}
	if rep.DriverErr != nil {
		fmt.Printf("WARNING: %v\n", rep.DriverErr)
		if hint := diag.Explain(rep.DriverErr); hint != "" {
			fmt.Printf("  %s\n", hint)
		}
	}

	fmt.Printf("Probes found: %d\n", len(rep.Interfaces))
	for _, iface := range rep.Interfaces {
		fmt.Printf("  - %s (%s)\n", iface.ProbeID, iface.Label())
	}

	if strictDriver && rep.DriverErr != nil {
		return rep.DriverErr
	}
	return nil
}
