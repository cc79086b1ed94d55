package cmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
)

var readOutput string

var readCmd = &cobra.Command{
	Use:   "read <addr> <len>",
	Short: "Read target memory",
	Long: `Read len bytes of target memory starting at addr and print a hex dump, or
write the raw bytes to a file with --output.

Examples:
  otprobe read 0x10000100 4
  otprobe read 0 0x80000 -o flash.bin`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "", "write raw bytes to this file")
}

func runRead(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	n, err := parseUint32(args[1])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	b, err := openBench(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.ctl.Connect(ctx); err != nil {
		return err
	}
	eng := flash.NewEngine(b.ctl, append(cfg.FlashOptions(), flash.WithLogger(log))...)

	if readOutput != "" {
		f, err := os.Create(readOutput)
		if err != nil {
			return err
		}
		if err := eng.ReadBack(ctx, addr, int(n), f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes from 0x%08X to %s\n", n, addr, readOutput)
		return nil
	}

	var buf bytes.Buffer
	if err := eng.ReadBack(ctx, addr, int(n), &buf); err != nil {
		return err
	}
	data := buf.Bytes()
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		fmt.Printf("%08X  %s\n", addr+uint32(off), hex.EncodeToString(data[off:end]))
	}
	return nil
}
