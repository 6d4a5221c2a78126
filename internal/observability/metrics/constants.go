package metrics

import "time"

// Namespace prefixes every metric name.
const Namespace = "echopi"

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// StreamStateOpen matches the stream session's open state name.
const StreamStateOpen = "open"

// ControllerStates lists the controller state names exported as labels.
var ControllerStates = []string{"idle", "starting", "running", "stopping"}

// ShutdownTimeout bounds graceful shutdown of HTTP listeners serving metrics.
const ShutdownTimeout = 5 * time.Second
