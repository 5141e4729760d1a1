// Package signals carries security signals from the pipeline to detection
// sinks. Emission is fire-and-forget and never fails a request.
package signals

import (
	"strings"
	"time"

	"github.com/cordum/ingestguard/core/infra/metrics"
	"github.com/cordum/ingestguard/core/ingest/outcome"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event is one emitted signal.
type Event struct {
	ID       string         `json:"id"`
	Signal   outcome.Signal `json:"signal"`
	Source   outcome.Source `json:"source"`
	Caller   string         `json:"caller,omitempty"`
	Remote   string         `json:"remote,omitempty"`
	FileName string         `json:"fileName,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

// NewEvent stamps a signal with an id and the current time.
func NewEvent(signal outcome.Signal, source outcome.Source) Event {
	return Event{
		ID:     uuid.NewString(),
		Signal: signal,
		Source: source,
		At:     time.Now().UTC(),
	}
}

// Struct encodes the event for the bus. Invalid UTF-8 in caller-supplied
// fields is replaced so the event still encodes.
func (e Event) Struct() (*structpb.Struct, error) {
	fields := map[string]any{
		"id":     e.ID,
		"signal": string(e.Signal),
		"source": string(e.Source),
		"at":     e.At.Format(time.RFC3339Nano),
	}
	for k, v := range map[string]string{"caller": e.Caller, "remote": e.Remote, "fileName": e.FileName, "detail": e.Detail} {
		if v != "" {
			fields[k] = strings.ToValidUTF8(v, "\uFFFD")
		}
	}
	return structpb.NewStruct(fields)
}

// Sink receives signals.
type Sink interface {
	Emit(Event)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// MetricsSink counts signals by name.
type MetricsSink struct {
	Metrics metrics.Metrics
}

func (m MetricsSink) Emit(e Event) {
	if m.Metrics != nil {
		m.Metrics.IncSignals(string(e.Signal))
	}
}
