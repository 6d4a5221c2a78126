package play

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

// Command creates the WAV playback command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play [file.wav]",
		Short: "Play a WAV file through the configured output",
		Long: "Play a mono 16-bit WAV file. The device is opened at the file's " +
			"sample rate.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, args[0], cmd.OutOrStdout())
		},
	}

	cmdutil.AddDeviceFlags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, path string, out io.Writer) error {
	log := logger.Global().Module("play")

	samples, rate, err := chirp.ReadWAV(path)
	if err != nil {
		return err
	}

	err = cmdutil.WithSession(ctx, settings, log, rate, func(s *stream.Session) error {
		_, terr := s.Transact(ctx, audiocore.Float64To32(samples), 0)
		return terr
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "played %s: %.2f s at %d Hz\n",
		path, float64(len(samples))/float64(rate), rate)
	return err
}
