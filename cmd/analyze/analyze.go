package analyze

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/correlate"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/ranging"
)

// Command creates the offline analysis command.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze [recording.wav]",
		Short: "Estimate the distance from a recorded capture",
		Long: "Correlate a WAV recording that starts at the emission instant, for " +
			"example one written by 'distance --dump', with the configured chirp.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings, args[0], asJSON, cmd.OutOrStdout())
		},
	}

	cmdutil.AddRangingFlags(cmd.Flags())
	cmdutil.AddChirpFlags(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the sample and correlation result as JSON")

	return cmd
}

type report struct {
	File        string                 `json:"file"`
	SampleRate  int                    `json:"sample_rate"`
	Samples     int                    `json:"samples"`
	Sample      ranging.DistanceSample `json:"sample"`
	Correlation correlate.Result       `json:"correlation"`
	Error       string                 `json:"error,omitempty"`
}

func run(settings *conf.Settings, path string, asJSON bool, out io.Writer) error {
	log := logger.Global().Module("analyze")

	recorded, sampleRate, err := chirp.ReadWAV(path)
	if err != nil {
		return err
	}

	cfg := settings.RangingConfig()
	if sampleRate != cfg.SampleRate {
		log.Info("using recording sample rate",
			logger.Int("configured", cfg.SampleRate),
			logger.Int("recording", sampleRate))
		cfg.SampleRate = sampleRate
	}

	r := ranging.New(ranging.WithLogger(log))
	sample, res, err := r.Analyze(cfg, recorded)

	rep := report{File: path, SampleRate: sampleRate, Samples: len(recorded), Sample: sample, Correlation: res}
	if err != nil {
		rep.Error = err.Error()
	}
	if asJSON {
		if jerr := cmdutil.WriteJSON(out, rep); jerr != nil {
			return jerr
		}
		return err
	}

	fmt.Fprintf(out, "%s: %d samples at %d Hz\n", path, len(recorded), sampleRate)
	fmt.Fprintf(out, "window: lags %d..%d  candidates: %d\n",
		res.Window.MinLag, res.Window.MaxLag, len(res.Candidates))
	for _, p := range res.Candidates {
		_, d := cfg.DistanceAt(float64(p.Index))
		fmt.Fprintf(out, "  lag %6d  %.3f m  confidence %.3f\n", p.Index, d, p.Confidence)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "distance: %.3f m  time of flight: %.3f ms  confidence: %.3f\n",
		sample.DistanceMeters, sample.TimeOfFlightSeconds*1000, sample.Confidence)
	return nil
}
