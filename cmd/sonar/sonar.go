package sonar

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/echopi/echopi-go/cmd/internal/cmdutil"
	"github.com/echopi/echopi-go/internal/api"
	"github.com/echopi/echopi-go/internal/buildinfo"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/mqtt"
	"github.com/echopi/echopi-go/internal/observability"
	"github.com/echopi/echopi-go/internal/ranging"
	"github.com/echopi/echopi-go/internal/sonar"
	"github.com/echopi/echopi-go/internal/stream"
)

const printBuffer = 16

// Command creates the continuous measurement command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var printEntries bool

	cmd := &cobra.Command{
		Use:   "sonar",
		Short: "Measure continuously and serve the results",
		Long: "Keep the audio stream open and measure at the configured update rate. " +
			"Results are served over the HTTP API and optionally published to MQTT.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, build, printEntries, cmd.OutOrStdout())
		},
	}

	setupFlags(cmd)
	cmd.Flags().BoolVarP(&printEntries, "print", "p", false, "Print every measurement to stdout")

	return cmd
}

func setupFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	d := conf.Defaults()
	cmdutil.AddDeviceFlags(fs)
	cmdutil.AddRangingFlags(fs)
	cmdutil.AddChirpFlags(fs)
	fs.Float64("rate", d.Sonar.UpdateRateHz, "Measurement rate in Hz (clamped to the chirp and echo window)")
	fs.Int("smoothing", d.Sonar.SmoothingWindow, "Moving average window in samples")
	fs.Int("history", d.Sonar.HistorySize, "Number of entries kept in history")
	fs.Bool("autostart", d.Sonar.AutoStart, "Start measuring immediately")
	fs.String("listen", d.WebServer.Port, "HTTP API port")
	fs.Bool("api", d.WebServer.Enabled, "Serve the HTTP API")
	fs.Bool("mqtt", d.MQTT.Enabled, "Publish measurements to MQTT")
	fs.String("broker", d.MQTT.Broker, "MQTT broker URL")
	conf.MarkFlagKey(fs, "rate", "sonar.update_rate_hz")
	conf.MarkFlagKey(fs, "smoothing", "sonar.smoothing_window")
	conf.MarkFlagKey(fs, "history", "sonar.history_size")
	conf.MarkFlagKey(fs, "autostart", "sonar.autostart")
	conf.MarkFlagKey(fs, "listen", "webserver.port")
	conf.MarkFlagKey(fs, "api", "webserver.enabled")
	conf.MarkFlagKey(fs, "mqtt", "mqtt.enabled")
	conf.MarkFlagKey(fs, "broker", "mqtt.broker")
}

func run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context, printEntries bool, out io.Writer) error {
	log := logger.Global().Module("sonar")

	if !settings.WebServer.Enabled && !settings.Sonar.AutoStart {
		return errors.Newf("nothing would start the measurement: enable the HTTP API or autostart").
			Component("sonar").
			Category(errors.CategoryConfiguration).
			Build()
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	provider, err := cmdutil.NewProvider(settings, log)
	if err != nil {
		return err
	}

	ranger := ranging.New(
		ranging.WithLogger(logger.Global().Module("ranging")),
		ranging.WithMetrics(m.Ranging))
	ctl, err := sonar.New(provider, settings.DeviceConfig(), settings.RangingConfig(),
		sonar.WithLogger(log),
		sonar.WithRanger(ranger),
		sonar.WithMetrics(m.Ranging),
		sonar.WithStreamOptions(
			stream.WithLogger(logger.Global().Module("stream")),
			stream.WithMetrics(m.Ranging)))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	if settings.WebServer.Enabled {
		srv, err := api.New(settings.APIConfig(), ctl,
			api.WithLogger(logger.Global().Module("api")),
			api.WithMetrics(m),
			api.WithVersion(build.GetVersion()))
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	if settings.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(settings.MQTTConfig(),
			mqtt.WithLogger(logger.Global().Module("mqtt")),
			mqtt.WithMetrics(m.MQTT))
		if err != nil {
			return abort(err)
		}
		if err := pub.Connect(gctx); err != nil {
			return abort(err)
		}
		entries, unsubscribe := ctl.Subscribe(settings.MQTT.QueueSize)
		defer unsubscribe()
		g.Go(func() error { return pub.Run(gctx, entries) })
	}

	if printEntries {
		entries, unsubscribe := ctl.Subscribe(printBuffer)
		defer unsubscribe()
		g.Go(func() error { return printLoop(gctx, entries, out) })
	}

	if settings.Sonar.AutoStart {
		if err := ctl.Start(gctx); err != nil {
			return abort(err)
		}
	} else {
		log.Info("waiting for a start request on the HTTP API")
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := ctl.Stop(); err != nil && !errors.Is(err, sonar.ErrControllerNotRunning) {
			return err
		}
		return nil
	})

	if !settings.WebServer.Enabled {
		// without the API a device fault cannot be recovered from, so end the command
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-ctl.Done():
				if err := ctl.LastError(); err != nil {
					return err
				}
				return nil
			}
		})
	}

	err = g.Wait()
	<-ctl.Done()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printLoop(ctx context.Context, entries <-chan sonar.Entry, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-entries:
			if !ok {
				return nil
			}
			if e.IsGap() {
				fmt.Fprintf(out, "%6d  %s  gap: %s\n", e.Seq, e.Timestamp.Format("15:04:05.000"), e.Gap)
				continue
			}
			fmt.Fprintf(out, "%6d  %s  %.3f m  (avg %.3f m, confidence %.3f)\n",
				e.Seq, e.Timestamp.Format("15:04:05.000"),
				e.Sample.DistanceMeters, e.SmoothedDistanceMeters, e.Sample.Confidence)
		}
	}
}
