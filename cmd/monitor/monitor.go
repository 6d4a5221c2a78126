package monitor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/stream"
)

// meterWidth is the bar length for 0 dBFS; the bar starts at floorDBFS.
const (
	meterWidth = 40
	floorDBFS  = -60.0
)

type options struct {
	interval float64
	count    int
	asJSON   bool
}

// Command creates the live input level command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print live input levels until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, opts, cmd.OutOrStdout())
		},
	}

	cmdutil.AddDeviceFlags(cmd.Flags())
	cmd.Flags().Float64Var(&opts.interval, "interval", 0.1, "Seconds captured per reading")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 0, "Stop after this many readings (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print one JSON level per line")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, opts options, out io.Writer) error {
	log := logger.Global().Module("monitor")
	if !(opts.interval > 0 && opts.interval <= stream.MaxTransactionSeconds) || opts.count < 0 {
		return errors.Newf("interval %.3fs and count %d must be positive", opts.interval, opts.count).
			Component("monitor").
			Category(errors.CategoryValidation).
			Build()
	}

	err := cmdutil.WithSession(ctx, settings, log, 0, func(s *stream.Session) error {
		for i := 0; opts.count == 0 || i < opts.count; i++ {
			captured, err := s.Transact(ctx, nil, opts.interval)
			if err != nil {
				return err
			}
			if err := printLevel(out, audiocore.MeasureLevel(captured), opts.asJSON); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printLevel(out io.Writer, l audiocore.Level, asJSON bool) error {
	if asJSON {
		return cmdutil.WriteJSON(out, l)
	}
	_, err := fmt.Fprintf(out, "rms %6.1f dBFS  peak %6.1f dBFS  |%-*s|\n",
		l.RMSDBFS, l.PeakDBFS, meterWidth, strings.Repeat("#", bar(l.RMSDBFS)))
	return err
}

// bar maps a level to a meter length in [0, meterWidth].
func bar(levelDBFS float64) int {
	frac := (levelDBFS - floorDBFS) / -floorDBFS
	return int(max(0, min(1, frac)) * meterWidth)
}
