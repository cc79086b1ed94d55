package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/transport"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List attached debug probes",
	Long: `Scan the host for CMSIS-DAP probes (USB and serial) and print the probe id
to pass to --probe. The simulator is always listed.`,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	infos, err := transport.DiscoverInterfaces(ctx)
	if err != nil {
		// Partial results are still worth printing.
		log.Warn().Err(err).Msg("interface scan incomplete")
	}

	if len(infos) == 0 {
		fmt.Println("No interfaces found.")
		return nil
	}

	fmt.Println("Detected probes:")
	for _, iface := range infos {
		fmt.Printf("  - %-40s %s [%s]\n", iface.ProbeID, iface.Label(), iface.Kind)
	}
	return nil
}
