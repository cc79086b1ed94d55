package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/diag"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
)

var infoJSON bool

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show probe capabilities and identify the target",
	Long: `Open a session on the probe, print what it reported during the handshake,
connect to the target and identify the device from its part register.

Examples:
  otprobe info --probe sim:default
  otprobe info --json`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print JSON instead of text")
}

type infoReport struct {
	ProbeID      string               `json:"probe_id"`
	Session      string               `json:"session"`
	Capabilities session.Capabilities `json:"capabilities"`
	Device       *devicedb.Device     `json:"device,omitempty"`
	State        string               `json:"state"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var extra []session.Option
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if v, err := diag.NewReporter(cfg.DiagOptions()...).GetDriverVersion(dctx); err == nil {
		extra = append(extra, session.WithDriverVersion(v.String()))
	}
	cancel()

	b, err := openBench(ctx, extra...)
	if err != nil {
		return err
	}
	defer b.Close()

	rep := infoReport{
		ProbeID:      b.conn.ProbeID(),
		Session:      b.sess.ID().String(),
		Capabilities: b.sess.Capabilities(),
	}
	if err := b.ctl.Connect(ctx); err != nil {
		return err
	}
	dev, err := b.ctl.Identify(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("target not identified")
	} else {
		rep.Device = &dev
	}
	rep.State = b.ctl.State().String()

	if infoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	caps := rep.Capabilities
	fmt.Printf("Probe:     %s\n", rep.ProbeID)
	fmt.Printf("Session:   %s\n", rep.Session)
	fmt.Printf("Product:   %s %s (serial %s)\n", caps.Vendor, caps.Product, caps.Serial)
	fmt.Printf("Firmware:  %s\n", caps.Firmware)
	if caps.Driver != "" {
		fmt.Printf("Driver:    J-Link %s\n", caps.Driver)
	}
	fmt.Printf("Port:      %s @ %d Hz\n", caps.Port, caps.Clock)
	fmt.Printf("Packets:   %d bytes x %d\n", caps.PacketSize, caps.PacketCount)
	fmt.Printf("DPIDR:     0x%08X (%s)\n", caps.DPIDR, idcode.ParseDPIDR(caps.DPIDR))
	if rep.Device != nil {
		fmt.Printf("Target:    %s (%s, part 0x%X)\n", dev.Name, dev.Family, dev.Part)
		for _, r := range dev.Flash {
			fmt.Printf("  flash    %s\n", r)
		}
	} else {
		fmt.Printf("Target:    unknown\n")
	}
	fmt.Printf("State:     %s\n", rep.State)
	return nil
}
