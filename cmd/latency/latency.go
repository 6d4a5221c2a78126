package latency

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/stream"
)

type options struct {
	repeats int
	discard int
	save    bool
	force   bool
	asJSON  bool
}

// Command creates the loopback latency calibration command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Calibrate the playback to capture latency",
		Long: "Place the speaker next to the microphone and measure the delay of the " +
			"direct path. With --save the median is written to the config file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, opts, cmd.OutOrStdout())
		},
	}

	cmdutil.AddDeviceFlags(cmd.Flags())
	cmdutil.AddChirpFlags(cmd.Flags())
	cmd.Flags().IntVarP(&opts.repeats, "repeats", "n", ranging.DefaultLatencyRepeats, "Number of chirps to emit")
	cmd.Flags().IntVar(&opts.discard, "discard", ranging.DefaultLatencyDiscard, "Leading runs ignored while the device warms up")
	cmd.Flags().BoolVar(&opts.save, "save", false, "Store the result in the config file")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Save even when the result is outside the plausible range")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the result as JSON")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, opts options, out io.Writer) error {
	log := logger.Global().Module("latency")
	provider, err := cmdutil.NewProvider(settings, log)
	if err != nil {
		return err
	}

	cfg := settings.RangingConfig()
	r := ranging.New(ranging.WithLogger(log))

	var res ranging.LatencyResult
	err = ranging.WithSession(ctx, provider, settings.DeviceConfig(), func(s *stream.Session) error {
		var cerr error
		res, cerr = r.CalibrateLatency(ctx, cfg, s, opts.repeats, opts.discard)
		return cerr
	}, stream.WithLogger(log))
	if err != nil {
		return err
	}

	plausible := ranging.PlausibleLatency(res.LatencySeconds)
	if opts.asJSON {
		if err := cmdutil.WriteJSON(out, res); err != nil {
			return err
		}
	} else {
		for i, v := range res.Runs {
			fmt.Fprintf(out, "run %2d: %.3f ms\n", i+1, v*1000)
		}
		fmt.Fprintf(out, "latency: %.3f ms (std %.3f ms, %d samples)\n",
			res.LatencySeconds*1000, res.StdSeconds*1000, res.LagSamples)
		if !plausible {
			fmt.Fprintf(out, "warning: outside the plausible range %.1f..%.1f ms\n",
				ranging.MinPlausibleLatency*1000, ranging.MaxPlausibleLatency*1000)
		}
	}

	if !opts.save {
		return nil
	}
	if !plausible && !opts.force {
		return errors.Newf("refusing to save implausible latency %.3f ms, use --force to override", res.LatencySeconds*1000).
			Component("latency").
			Category(errors.CategoryValidation).
			Context("latency_seconds", res.LatencySeconds).
			Build()
	}
	return save(settings, res.LatencySeconds, log)
}

func save(settings *conf.Settings, seconds float64, log logger.Logger) error {
	path, err := conf.SaveLatency(settings, seconds)
	if err != nil {
		return err
	}
	log.Info("latency saved", logger.String("path", path), logger.Float64("latency_ms", seconds*1000))
	return nil
}
