// report/nats.go
package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"scentsmart/internal/engine"
)

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect handling and logging.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("scentctl"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("reconnected to NATS")
		}),
	)
}

// EventMessage is the payload of <prefix>.trial and <prefix>.completed.
type EventMessage struct {
	Session uuid.UUID      `json:"session"`
	Event   string         `json:"event"`
	Test    engine.Kind    `json:"test"`
	At      time.Time      `json:"at"`
	Trial   *engine.Trial  `json:"trial,omitempty"`
	Result  *engine.Result `json:"result,omitempty"`
}

// NATSSink streams scored trials and completed tests while a session runs
// and publishes the final report on <prefix>.report.
type NATSSink struct {
	pub     Publisher
	prefix  string
	session uuid.UUID
}

func NewNATSSink(pub Publisher, prefix string, session uuid.UUID) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix, session: session}
}

func (s *NATSSink) Subject(name string) string { return s.prefix + "." + name }

// OnEvent is an engine.Listener.
func (s *NATSSink) OnEvent(ev engine.Event) {
	var subject string
	switch ev.Kind {
	case engine.TrialScored:
		subject = s.Subject("trial")
	case engine.TestCompleted:
		subject = s.Subject("completed")
	default:
		return
	}
	msg := EventMessage{
		Session: s.session,
		Event:   ev.Kind.String(),
		Test:    ev.Test,
		At:      ev.At,
		Trial:   ev.Trial,
		Result:  ev.Result,
	}
	if err := s.publish(subject, msg); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

func (s *NATSSink) Write(_ context.Context, r *Report) error {
	return s.publish(s.Subject("report"), r)
}

func (s *NATSSink) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.pub.Publish(subject, data)
}
