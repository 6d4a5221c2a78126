package mqtt

import (
	"time"

	"github.com/echopi/echopi-go/internal/sonar"
)

// DistanceMessage is the JSON payload published for every history entry.
// Gaps carry the miss outcome and no distance fields.
type DistanceMessage struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	DistanceMeters         *float64 `json:"distance_meters,omitempty"`
	SmoothedDistanceMeters *float64 `json:"smoothed_distance_meters,omitempty"`
	TimeOfFlightSeconds    *float64 `json:"time_of_flight_seconds,omitempty"`
	Confidence             *float64 `json:"confidence,omitempty"`

	Gap    string `json:"gap,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewDistanceMessage converts a history entry.
func NewDistanceMessage(e sonar.Entry) DistanceMessage {
	msg := DistanceMessage{Seq: e.Seq, Timestamp: e.Timestamp.UTC()}
	if e.IsGap() {
		msg.Gap = e.Gap
		msg.Reason = e.Reason
		return msg
	}
	s := e.Sample
	msg.DistanceMeters = &s.DistanceMeters
	msg.TimeOfFlightSeconds = &s.TimeOfFlightSeconds
	msg.Confidence = &s.Confidence
	smoothed := e.SmoothedDistanceMeters
	msg.SmoothedDistanceMeters = &smoothed
	return msg
}
