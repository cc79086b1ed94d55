package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/trace"
)

var traceSession string

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect command traces written with --trace",
}

var traceDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print the events of a trace file",
	Long: `Print one line per traced command and response.

Examples:
  otprobe program app.hex --trace run.cbor
  otprobe trace dump run.cbor --session 1b4e28ba`,
	Args: cobra.ExactArgs(1),
	RunE: runTraceDump,
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.AddCommand(traceDumpCmd)
	traceDumpCmd.Flags().StringVar(&traceSession, "session", "", "only show this session (full uuid)")
}

func runTraceDump(cmd *cobra.Command, args []string) error {
	r, err := trace.Open(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	if traceSession != "" {
		id, err := uuid.Parse(traceSession)
		if err != nil {
			return fmt.Errorf("--session: %w", err)
		}
		r = r.OnlySession(id)
	}

	n := 0
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: event %d: %w", args[0], n, err)
		}
		fmt.Println(ev)
		n++
	}
	fmt.Printf("%d events\n", n)
	return nil
}
