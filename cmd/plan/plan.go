package plan

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/planning"
)

type options struct {
	distance     float64
	targetSNR    float64
	resolution   float64
	absorption   float64
	ambientNoise float64
	taper        float64
	asJSON       bool
}

// Report collects the planning results for the configured setup.
type Report struct {
	SpeedOfSound           float64                `json:"speed_of_sound"`
	BandwidthHz            float64                `json:"bandwidth_hz"`
	ResolutionMeters       float64                `json:"resolution_meters"`
	BandwidthForResolution float64                `json:"bandwidth_for_resolution_hz,omitempty"`
	TimeBandwidthProduct   float64                `json:"time_bandwidth_product"`
	ProcessingGainDB       float64                `json:"processing_gain_db"`
	MaxUnambiguousMeters   float64                `json:"max_unambiguous_meters"`
	EchoWindowSeconds      float64                `json:"echo_window_seconds"`
	MaxUpdateRateHz        float64                `json:"max_update_rate_hz"`
	Duration               planning.DurationPlan  `json:"duration"`
	Threshold              planning.ThresholdPlan `json:"threshold"`
}

// Command creates the parameter planning command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Derive chirp and rate parameters for a target distance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings, opts, cmd.OutOrStdout())
		},
	}

	cmdutil.AddRangingFlags(cmd.Flags())
	cmd.Flags().Float64Var(&opts.distance, "distance", 0, "Target distance in meters (default: max distance)")
	cmd.Flags().Float64Var(&opts.targetSNR, "snr", 20, "Target echo SNR after matched filtering in dB")
	cmd.Flags().Float64Var(&opts.resolution, "resolution", 0, "Desired range resolution in meters")
	cmd.Flags().Float64Var(&opts.absorption, "absorption", planning.DefaultAbsorptionDBPerMeter, "Absorption in dB per meter")
	cmd.Flags().Float64Var(&opts.ambientNoise, "noise", planning.DefaultAmbientNoiseDB, "Ambient noise floor in dBFS")
	cmd.Flags().Float64Var(&opts.taper, "taper", 0.1, "Window taper fraction used for the sidelobe estimate")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the plan as JSON")

	return cmd
}

// build computes the report for the configured chirp and range.
func build(settings *conf.Settings, opts options) (Report, error) {
	cfg := settings.RangingConfig()
	spec := cfg.TxSpec()
	speed := cfg.SpeedOfSound()
	bandwidth := spec.Bandwidth()

	distance := opts.distance
	if distance <= 0 {
		distance = cfg.MaxDistanceMeters
	}

	rep := Report{
		SpeedOfSound:         speed,
		BandwidthHz:          bandwidth,
		ResolutionMeters:     planning.RangeResolution(bandwidth, speed),
		MaxUnambiguousMeters: planning.MaxUnambiguousDistance(spec.DurationSeconds, speed),
		EchoWindowSeconds:    planning.EchoWindowSeconds(cfg.MaxDistanceMeters, speed, cfg.SystemLatencySeconds),
	}
	rep.TimeBandwidthProduct, rep.ProcessingGainDB = planning.ProcessingGain(spec.DurationSeconds, bandwidth)
	rep.MaxUpdateRateHz = planning.MaxUpdateRate(spec.DurationSeconds, rep.EchoWindowSeconds)
	if opts.resolution > 0 {
		rep.BandwidthForResolution = planning.OptimalBandwidth(opts.resolution, speed)
	}

	var err error
	rep.Duration, err = planning.OptimizeChirpDuration(distance, opts.targetSNR, bandwidth, speed,
		opts.absorption, opts.ambientNoise)
	if err != nil {
		return rep, err
	}
	rep.Threshold = planning.CorrelationThreshold(spec.DurationSeconds, bandwidth, spec.SampleRate, opts.taper)
	return rep, nil
}

func run(settings *conf.Settings, opts options, out io.Writer) error {
	rep, err := build(settings, opts)
	if err != nil {
		return err
	}
	if opts.asJSON {
		return cmdutil.WriteJSON(out, rep)
	}

	fmt.Fprintf(out, "speed of sound:        %.1f m/s\n", rep.SpeedOfSound)
	fmt.Fprintf(out, "bandwidth:             %.0f Hz\n", rep.BandwidthHz)
	fmt.Fprintf(out, "range resolution:      %.3f m\n", rep.ResolutionMeters)
	if rep.BandwidthForResolution > 0 {
		fmt.Fprintf(out, "bandwidth needed:      %.0f Hz for %.3f m\n", rep.BandwidthForResolution, opts.resolution)
	}
	fmt.Fprintf(out, "time-bandwidth:        %.1f (%.1f dB gain)\n", rep.TimeBandwidthProduct, rep.ProcessingGainDB)
	fmt.Fprintf(out, "max unambiguous:       %.2f m\n", rep.MaxUnambiguousMeters)
	fmt.Fprintf(out, "echo window:           %.1f ms\n", rep.EchoWindowSeconds*1000)
	fmt.Fprintf(out, "max update rate:       %.2f Hz\n", rep.MaxUpdateRateHz)
	fmt.Fprintf(out, "suggested duration:    %.1f ms (SNR %.1f dB, loss %.1f dB)\n",
		rep.Duration.DurationSeconds*1000, rep.Duration.EstimatedSNRDB, rep.Duration.PropagationLossDB)
	fmt.Fprintf(out, "suggested threshold:   %.3f (noise floor %.3f)\n", rep.Threshold.Threshold, rep.Threshold.NoiseFloor)
	return nil
}
