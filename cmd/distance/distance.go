package distance

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
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/stream"
)

// Command creates the one-shot measurement command.
func Command(settings *conf.Settings) *cobra.Command {
	var dumpPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "distance",
		Short: "Measure the distance to the nearest reflector once",
		Long: "Emit one chirp, record the echo and print the distance. The audio " +
			"device is opened for this measurement only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, dumpPath, asJSON, cmd.OutOrStdout())
		},
	}

	cmdutil.AddDeviceFlags(cmd.Flags())
	cmdutil.AddRangingFlags(cmd.Flags())
	cmdutil.AddChirpFlags(cmd.Flags())
	cmd.Flags().StringVar(&dumpPath, "dump", "", "Write the recorded capture to this WAV file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the sample as JSON")

	return cmd
}

// recorder keeps the last capture that passed through it.
type recorder struct {
	tx   ranging.Transactor
	last []float32
}

func (r *recorder) Transact(ctx context.Context, signal []float32, extra float64) ([]float32, error) {
	rec, err := r.tx.Transact(ctx, signal, extra)
	r.last = rec
	return rec, err
}

func run(ctx context.Context, settings *conf.Settings, dumpPath string, asJSON bool, out io.Writer) error {
	log := logger.Global().Module("distance")
	provider, err := cmdutil.NewProvider(settings, log)
	if err != nil {
		return err
	}

	cfg := settings.RangingConfig()
	r := ranging.New(ranging.WithLogger(log))

	var sample ranging.DistanceSample
	rec := &recorder{}
	err = ranging.WithSession(ctx, provider, settings.DeviceConfig(), func(s *stream.Session) error {
		rec.tx = s
		var merr error
		sample, merr = r.MeasureOnce(ctx, cfg, rec)
		return merr
	}, stream.WithLogger(log))

	if dumpPath != "" && len(rec.last) > 0 {
		if werr := chirp.WriteWAV(dumpPath, audiocore.Float32To64(rec.last), cfg.SampleRate); werr != nil {
			log.Warn("could not write capture", logger.String("path", dumpPath), logger.Error(werr))
		} else {
			log.Info("capture written", logger.String("path", dumpPath), logger.Int("samples", len(rec.last)))
		}
	}
	if err != nil {
		return err
	}

	if asJSON {
		return cmdutil.WriteJSON(out, sample)
	}
	_, err = fmt.Fprintf(out, "distance: %.3f m  time of flight: %.3f ms  confidence: %.3f\n",
		sample.DistanceMeters, sample.TimeOfFlightSeconds*1000, sample.Confidence)
	return err
}
