package config

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/ranging"
)

const redacted = "********"

// Command creates the config command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and update the configuration",
	}
	cmd.AddCommand(showCommand(settings), pathCommand(settings), setLatencyCommand(settings))
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(settings, cmd.OutOrStdout())
		},
	}
}

func show(settings *conf.Settings, out io.Writer) error {
	view := *settings
	if view.MQTT.Password != "" {
		view.MQTT.Password = redacted
	}
	if view.Sentry.DSN != "" {
		view.Sentry.DSN = redacted
	}
	data, err := yaml.Marshal(&view)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func pathCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.ConfigFile == "" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "(defaults, no config file)")
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), settings.ConfigFile)
			return err
		},
	}
}

func setLatencyCommand(settings *conf.Settings) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set-latency [seconds]",
		Short: "Store a known system latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return errors.New(fmt.Errorf("invalid latency %q: %w", args[0], err)).
					Component("configuration").
					Category(errors.CategoryValidation).
					Build()
			}
			if !ranging.PlausibleLatency(seconds) && !force {
				return errors.Newf("latency %.4fs is outside %.4f..%.4fs, use --force to store it anyway",
					seconds, ranging.MinPlausibleLatency, ranging.MaxPlausibleLatency).
					Component("configuration").
					Category(errors.CategoryValidation).
					Build()
			}
			path, err := conf.SaveLatency(settings, seconds)
			if err != nil {
				return err
			}
			logger.Global().Module("config").Info("latency saved",
				logger.String("path", path), logger.Float64("latency_seconds", seconds))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "latency %.4f s written to %s\n", seconds, path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Store a latency outside the plausible range")
	return cmd
}
