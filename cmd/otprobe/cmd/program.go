package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/image"
)

var (
	programVerify   string
	programEraseAll bool
	programBase     string
	programHalt     bool
)

var programCmd = &cobra.Command{
	Use:   "program <file>...",
	Short: "Program images into the target flash",
	Long: `Halt the target, enter programming mode and write each image. Every touched
sector is erased first and every chunk is read back and compared. Intel HEX
files (.hex) carry their own addresses; raw binaries are placed at --base.
All images are combined before programming, so images sharing a sector are
written together. Images with overlapping bytes are rejected.

Interrupting the command finishes the chunk in progress and stops; sectors
already written keep their new contents.

Examples:
  otprobe program app.hex
  otprobe program bootloader.hex app.hex --verify checksum
  otprobe program app.bin --base 0x27000 --erase-all`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProgram,
}

func init() {
	rootCmd.AddCommand(programCmd)
	programCmd.Flags().StringVar(&programVerify, "verify", "", "verify mode: readback, checksum or none (default from config)")
	programCmd.Flags().BoolVar(&programEraseAll, "erase-all", false, "mass-erase the device before programming")
	programCmd.Flags().StringVar(&programBase, "base", "0", "load address for raw binary images")
	programCmd.Flags().BoolVar(&programHalt, "halt", false, "leave the core halted instead of running it")
}

func runProgram(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mode := cfg.VerifyMode()
	if programVerify != "" {
		var err error
		if mode, err = flash.ParseVerifyMode(programVerify); err != nil {
			return err
		}
	}
	base, err := parseUint32(programBase)
	if err != nil {
		return err
	}
	images, err := loadImages(ctx, args, base)
	if err != nil {
		return err
	}
	im, err := image.Merge(images...)
	if err != nil {
		return err
	}

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

	jobs, err := im.Jobs(dev, mode)
	if err != nil {
		return fmt.Errorf("%s: %w", im.Name, err)
	}

	eng := flash.NewEngine(b.ctl, append(cfg.FlashOptions(), flash.WithLogger(log))...)
	if programEraseAll {
		fmt.Printf("Erasing %s...\n", dev.Name)
		if err := eng.EraseAll(ctx); err != nil {
			return err
		}
	}

	total := 0
	for _, job := range jobs {
		fmt.Printf("Programming %s\n", job)
		rep, err := runJob(ctx, eng, job)
		if err != nil {
			return err
		}
		total += rep.Committed
		fmt.Printf("  %d sectors, %d bytes, %d retries in %s\n",
			rep.SectorsCommitted, rep.Committed, rep.Retries, rep.Duration.Round(time.Millisecond))
	}

	if err := b.ctl.ExitProgrammingMode(ctx); err != nil {
		return err
	}
	if !programHalt {
		if err := b.ctl.Resume(ctx); err != nil {
			return err
		}
	}
	fmt.Printf("Done: %d bytes in %d job(s), target %s\n", total, len(jobs), b.ctl.State())
	return nil
}

// loadImages parses all files concurrently, keeping argument order.
func loadImages(ctx context.Context, paths []string, base uint32) ([]*image.Image, error) {
	images := make([]*image.Image, len(paths))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			im, err := image.LoadFile(p, base)
			if err != nil {
				return err
			}
			images[i] = im
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// runJob starts job and prints its progress in 10% steps.
func runJob(ctx context.Context, eng *flash.Engine, job flash.Job) (flash.Report, error) {
	h, err := eng.Start(ctx, job)
	if err != nil {
		return flash.Report{}, err
	}
	next := 10.0
	for p := range h.Updates() {
		for p.Percent() >= next {
			log.Info().Float64("percent", next).Uint32("sector", p.Sector).Msg("progress")
			if verbose {
				fmt.Printf("  %3.0f%%\n", next)
			}
			next += 10
		}
	}
	return h.Wait()
}
