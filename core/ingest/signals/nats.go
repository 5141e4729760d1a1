package signals

import (
	"sync"

	"github.com/cordum/ingestguard/core/infra/logging"
	"google.golang.org/protobuf/types/known/structpb"
)

// Publisher is the bus surface NatsSink needs; *bus.NatsBus satisfies it.
type Publisher interface {
	Publish(subject string, payload *structpb.Struct) error
}

const defaultQueueSize = 256

// NatsSink publishes events on a subject from a background goroutine so a
// slow bus never delays a request. Events are dropped when the queue is full.
type NatsSink struct {
	pub     Publisher
	subject string
	queue   chan Event
	done    chan struct{}
	once    sync.Once
}

// NewNatsSink starts the publishing goroutine. Call Close to flush and stop it.
func NewNatsSink(pub Publisher, subject string, queueSize int) *NatsSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s := &NatsSink{
		pub:     pub,
		subject: subject,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *NatsSink) Emit(e Event) {
	select {
	case s.queue <- e:
	default:
		logging.Warn("signals", "bus queue full, dropping signal", "signal", e.Signal, "id", e.ID)
	}
}

func (s *NatsSink) loop() {
	defer close(s.done)
	for e := range s.queue {
		payload, err := e.Struct()
		if err != nil {
			logging.Error("signals", "encode signal failed", "signal", e.Signal, "error", err)
			continue
		}
		if err := s.pub.Publish(s.subject, payload); err != nil {
			logging.Error("signals", "publish signal failed", "subject", s.subject, "signal", e.Signal, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be published.
// Emit must not be called after Close.
func (s *NatsSink) Close() {
	s.once.Do(func() {
		close(s.queue)
	})
	<-s.done
}
