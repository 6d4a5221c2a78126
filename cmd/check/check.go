package check

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/stream"
)

// Command creates the device availability check.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-device",
		Short: "Open and close the configured device pair",
		Long: "Verify that the playback and capture devices can be opened together " +
			"at the configured sample rate. Nothing is played.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, cmd.OutOrStdout())
		},
	}

	cmdutil.AddDeviceFlags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, out io.Writer) error {
	log := logger.Global().Module("check")

	var pair string
	err := cmdutil.WithSession(ctx, settings, log, 0, func(s *stream.Session) error {
		pair = s.DeviceConfig().DevicePair()
		return nil
	})
	if err != nil {
		return err
	}

	dev := settings.DeviceConfig()
	_, err = fmt.Fprintf(out, "ok: %s provider, devices %s at %d Hz\n",
		settings.Audio.Provider, pair, dev.SampleRate)
	return err
}
