// Package bus provides the narrow publish seam of spec.md §6
// ("publish(topic, payload) — fire-and-forget; at-most-once; may drop on
// bus failure"). The real downstream message bus lives outside this core
// per spec.md §1; callers inject a Publisher implementation.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DeviceTopic returns the publish topic for deviceID, per spec.md §4.7 /
// §6 ("/device/<deviceId>/commands").
func DeviceTopic(deviceID string) string {
	return fmt.Sprintf("/device/%s/commands", deviceID)
}

// Publisher is the fire-and-forget publish sink the engine depends on.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// LogPublisher logs every publish at debug level instead of delivering it
// anywhere. Used as cmd/transitd's default wiring, following the
// topic-constant style of
// pkg/pubsub/topics.go in the cache-manager reference pack.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher wraps a logger as a Publisher.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(topic string, payload []byte) {
	p.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("bus: publish")
}

// Recorder is an in-memory Publisher used by tests to assert on published
// messages without a real bus.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

// Message is one recorded publish call.
type Message struct {
	Topic   string
	Payload json.RawMessage
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Topic: topic, Payload: append(json.RawMessage(nil), payload...)})
}

// Messages returns a snapshot of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}
