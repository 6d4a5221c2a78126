// Package audiocore defines the duplex device I/O contract the ranging
// engine is built on, plus sample format helpers shared by its sources.
//
// A DuplexProvider opens a Channel bound to one playback device and one
// capture device at a fixed sample rate. Samples written to the channel are
// played while the same number of frames is captured; Read returns captured
// frames in order. Implementations live under sources/: malgo drives real
// hardware through miniaudio and simulated synthesises echoes for tests and
// dry runs.
//
// Channels are not safe for concurrent use. The stream package serialises
// access and owns the open/close lifecycle.
package audiocore
