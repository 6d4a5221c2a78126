package cmd

import (
	"github.com/spf13/cobra"

	"github.com/echopi/echopi-go/cmd/analyze"
	"github.com/echopi/echopi-go/cmd/check"
	"github.com/echopi/echopi-go/cmd/config"
	"github.com/echopi/echopi-go/cmd/devices"
	"github.com/echopi/echopi-go/cmd/distance"
	"github.com/echopi/echopi-go/cmd/generate"
	"github.com/echopi/echopi-go/cmd/latency"
	"github.com/echopi/echopi-go/cmd/monitor"
	"github.com/echopi/echopi-go/cmd/plan"
	"github.com/echopi/echopi-go/cmd/play"
	"github.com/echopi/echopi-go/cmd/record"
	"github.com/echopi/echopi-go/cmd/sonar"
	"github.com/echopi/echopi-go/cmd/tone"
	"github.com/echopi/echopi-go/internal/buildinfo"
	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/telemetry"
)

// RootCommand creates and returns the root command. Settings are loaded
// before any subcommand runs; subcommands read them through the shared
// pointer.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	settings := conf.Defaults()
	var configPath string
	var central *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:           "echopi",
		Short:         "Acoustic ranging with a speaker and a microphone",
		Version:       build.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	setupFlags(rootCmd, &configPath)

	rootCmd.AddCommand(
		distance.Command(settings),
		analyze.Command(settings),
		sonar.Command(settings, build),
		latency.Command(settings),
		generate.Command(settings),
		plan.Command(settings),
		config.Command(settings),
		devices.Command(),
		check.Command(settings),
		tone.Command(settings),
		play.Command(settings),
		record.Command(settings),
		monitor.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := conf.Load(configPath, conf.WithFlags(cmd.Flags()))
		if err != nil {
			return err
		}
		*settings = *loaded

		central, err = initialize(settings, build)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		telemetry.Flush()
		return central.Close()
	}

	return rootCmd
}

// initialize installs the central logger and optional error telemetry.
func initialize(settings *conf.Settings, build *buildinfo.Context) (*logger.CentralLogger, error) {
	logCfg := settings.Logging
	if settings.Debug {
		logCfg.DefaultLevel = "debug"
		if logCfg.Console != nil {
			console := *logCfg.Console
			console.Level = "debug"
			logCfg.Console = &console
		}
	}

	central, err := logger.NewCentralLogger(&logCfg)
	if err != nil {
		return nil, err
	}
	logger.SetGlobal(central)

	if err := telemetry.InitSentry(settings, build.GetVersion()); err != nil {
		logger.Global().Module("main").Warn("telemetry disabled", logger.Error(err))
	}
	return central, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configPath *string) {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configPath, "config", "c", "", "Path to config file (default ~/.config/echopi/config.yaml)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	conf.MarkFlagKey(flags, "debug", "debug")
}
