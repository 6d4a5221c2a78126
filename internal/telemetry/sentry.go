// Package telemetry provides opt-in, privacy-filtered error reporting to Sentry.
package telemetry

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/echopi/echopi-go/internal/conf"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
)

const flushTimeout = 2 * time.Second

var (
	initMu      sync.Mutex
	initialized bool
)

// InitSentry initializes the Sentry SDK and routes enhanced errors to it.
// Nothing is sent unless the user enabled telemetry.
func InitSentry(settings *conf.Settings, version string) error {
	return initSentry(settings, version, nil)
}

func initSentry(settings *conf.Settings, version string, transport sentry.Transport) error {
	log := logger.Global().Module("telemetry")
	if !settings.Sentry.Enabled {
		log.Debug("sentry telemetry is disabled")
		return nil
	}

	initMu.Lock()
	defer initMu.Unlock()

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      settings.Sentry.Environment,
		ServerName:       "",
		Release:          fmt.Sprintf("echopi@%s", version),
		Transport:        transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("audio_provider", settings.Audio.Provider)
		scope.SetContext("ranging", map[string]any{
			"sample_rate": settings.Ranging.SampleRate,
			"medium":      settings.Ranging.Medium,
		})
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true
	log.Info("sentry telemetry initialized", logger.String("environment", settings.Sentry.Environment))
	return nil
}

// Flush waits briefly for buffered events to be sent.
func Flush() {
	initMu.Lock()
	ok := initialized
	initMu.Unlock()
	if ok {
		sentry.Flush(flushTimeout)
	}
}

// applyPrivacyFilters drops host identity and runtime contexts from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
