package tone

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/stream"
)

type options struct {
	freqHz    float64
	seconds   float64
	amplitude float64
}

// Command creates the test tone command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Play a sine test tone and report the captured level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, opts, cmd.OutOrStdout())
		},
	}

	cmdutil.AddDeviceFlags(cmd.Flags())
	cmd.Flags().Float64Var(&opts.freqHz, "freq", 1000, "Tone frequency in Hz")
	cmd.Flags().Float64Var(&opts.seconds, "seconds", 1, "Tone length in seconds")
	cmd.Flags().Float64Var(&opts.amplitude, "amp", 0.8, "Peak amplitude in (0, 1]")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, opts options, out io.Writer) error {
	log := logger.Global().Module("tone")
	rate := settings.Ranging.SampleRate

	signal, err := chirp.Tone(opts.freqHz, opts.seconds, opts.amplitude, rate)
	if err != nil {
		return err
	}

	var captured []float32
	err = cmdutil.WithSession(ctx, settings, log, rate, func(s *stream.Session) error {
		var terr error
		captured, terr = s.Transact(ctx, audiocore.Float64To32(signal), 0)
		return terr
	})
	if err != nil {
		return err
	}

	level := audiocore.MeasureLevel(captured)
	_, err = fmt.Fprintf(out, "played %.0f Hz for %.2f s at %d Hz, captured rms %.1f dBFS peak %.1f dBFS\n",
		opts.freqHz, opts.seconds, rate, level.RMSDBFS, level.PeakDBFS)
	return err
}
