package record

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/stream"
)

// Command creates the capture-to-WAV command.
func Command(settings *conf.Settings) *cobra.Command {
	var seconds float64

	cmd := &cobra.Command{
		Use:   "record [output.wav]",
		Short: "Record from the configured input to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, args[0], seconds, cmd.OutOrStdout())
		},
	}

	cmdutil.AddDeviceFlags(cmd.Flags())
	cmd.Flags().Float64Var(&seconds, "seconds", 5, "Recording length in seconds")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, path string, seconds float64, out io.Writer) error {
	log := logger.Global().Module("record")
	rate := settings.Ranging.SampleRate
	if !(seconds > 0 && seconds <= stream.MaxTransactionSeconds) {
		return errors.Newf("recording length %.2fs must be within (0, %.0f]", seconds, stream.MaxTransactionSeconds).
			Component("record").
			Category(errors.CategoryValidation).
			Build()
	}

	var captured []float32
	err := cmdutil.WithSession(ctx, settings, log, rate, func(s *stream.Session) error {
		var terr error
		captured, terr = s.Transact(ctx, nil, seconds)
		return terr
	})
	if err != nil {
		return err
	}

	if err := chirp.WriteWAV(path, audiocore.Float32To64(captured), rate); err != nil {
		return err
	}
	level := audiocore.MeasureLevel(captured)
	_, err = fmt.Fprintf(out, "wrote %s: %d samples at %d Hz, rms %.1f dBFS peak %.1f dBFS\n",
		path, len(captured), rate, level.RMSDBFS, level.PeakDBFS)
	return err
}
