package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

var (
	eraseAll     bool
	eraseSectors []string
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase flash sectors or the whole device",
	Long: `Erase the sectors containing the given addresses, or mass-erase the device
with --all. Every erased sector is read back to confirm it is blank.

Examples:
  otprobe erase --all
  otprobe erase --sector 0x1000 --sector 0x2000`,
	Args: cobra.NoArgs,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().BoolVar(&eraseAll, "all", false, "mass-erase every flash region")
	eraseCmd.Flags().StringSliceVar(&eraseSectors, "sector", nil, "address inside a sector to erase (repeatable)")
	eraseCmd.MarkFlagsMutuallyExclusive("all", "sector")
}

func runErase(cmd *cobra.Command, args []string) error {
	if !eraseAll && len(eraseSectors) == 0 {
		return errors.New("nothing to erase: pass --all or --sector")
	}
	addrs := make([]uint32, 0, len(eraseSectors))
	for _, s := range eraseSectors {
		a, err := parseUint32(s)
		if err != nil {
			return err
		}
		addrs = append(addrs, a)
	}

	ctx := cmd.Context()
	b, err := openBench(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.halt(ctx); err != nil {
		return err
	}
	if err := b.ctl.EnterProgrammingMode(ctx); err != nil {
		return err
	}
	dev, _ := b.ctl.Device()
	eng := flash.NewEngine(b.ctl, append(cfg.FlashOptions(), flash.WithLogger(log))...)

	if eraseAll {
		if err := eng.EraseAll(ctx); err != nil {
			return err
		}
		fmt.Printf("Erased %s\n", dev.Name)
	} else {
		for _, a := range addrs {
			region, ok := dev.RegionAt(a)
			if !ok {
				return proberr.Newf(proberr.InvalidJob, "erase", "0x%08X is not in the flash of %s", a, dev.Name).AtAddress(a)
			}
			if _, err := eng.EraseSectors(ctx, region, a); err != nil {
				return err
			}
			fmt.Printf("Erased sector 0x%08X (%s)\n", region.SectorBase(a), region.Name)
		}
	}
	return b.ctl.ExitProgrammingMode(ctx)
}
