package generate

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/chirp"
	"github.com/echopi/echopi-go/internal/conf"
)

// Command creates the chirp export command.
func Command(settings *conf.Settings) *cobra.Command {
	var reference bool

	cmd := &cobra.Command{
		Use:   "generate-chirp [output.wav]",
		Short: "Write the configured chirp to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings, args[0], reference, cmd.OutOrStdout())
		},
	}

	setupFlags(cmd)
	cmd.Flags().BoolVar(&reference, "reference", false, "Write the correlation reference instead of the emitted chirp")

	return cmd
}

func setupFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	cmdutil.AddChirpFlags(fs)
	fs.Int("sample-rate", conf.Defaults().Ranging.SampleRate, "Sample rate in Hz")
	conf.MarkFlagKey(fs, "sample-rate", "ranging.sample_rate")
}

func run(settings *conf.Settings, path string, reference bool, out io.Writer) error {
	cfg := settings.RangingConfig()
	spec := cfg.TxSpec()
	if reference {
		spec = cfg.ReferenceSpec()
	}

	samples, err := chirp.Generate(spec)
	if err != nil {
		return err
	}
	if err := chirp.WriteWAV(path, samples, spec.SampleRate); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "wrote %s: %d samples, %.0f-%.0f Hz over %.1f ms at %d Hz\n",
		path, len(samples), spec.StartFreqHz, spec.EndFreqHz, spec.DurationSeconds*1000, spec.SampleRate)
	return err
}
