package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	BoardEventsStream  = "BOARD_EVENTS"
	BoardEventSubjects = "app.event.>"
)

// EnsureStreams creates (or validates) the board event stream. Events are
// only needed for live fan-out, so the stream keeps a short window in memory.
func EnsureStreams(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(BoardEventsStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      BoardEventsStream,
		Subjects:  []string{BoardEventSubjects},
		Retention: nats.LimitsPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    10 * time.Minute,
		Replicas:  1,
	})
	return err
}
