package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryOptions controls how the broker redelivers an event to a
// subscriber on handler failure.
type DeliveryOptions struct {
	// Reliable requests at-least-once delivery: the broker retries a
	// failing handler up to MaxRetries times with exponential backoff.
	// When false, delivery is at-most-once.
	Reliable bool
	// MaxRetries bounds reliable-delivery retries. Zero means one attempt,
	// no retry. Ignored when Reliable is false.
	MaxRetries int
}

// CloudEvents 1.0 required attribute keys, carried in Event.Metadata.
const (
	CEMetaSpecVersion     = "ce-specversion"
	CEMetaType            = "ce-type"
	CEMetaSource          = "ce-source"
	CEMetaDataContentType = "ce-datacontenttype"

	CESpecVersion1_0 = "1.0"
)

// Event is an immutable record published on the mesh. Once constructed it
// is never mutated; the broker redelivers the same logical event to every
// matching subscriber.
type Event struct {
	id              string
	topic           string
	payload         interface{}
	correlationID   string
	sender          string
	timestamp       time.Time
	deliveryOptions DeliveryOptions
	metadata        map[string]string
}

func (e *Event) ID() string                       { return e.id }
func (e *Event) Topic() string                    { return e.topic }
func (e *Event) Payload() interface{}             { return e.payload }
func (e *Event) CorrelationID() string            { return e.correlationID }
func (e *Event) Sender() string                   { return e.sender }
func (e *Event) Timestamp() time.Time             { return e.timestamp }
func (e *Event) DeliveryOptions() DeliveryOptions { return e.deliveryOptions }

// Metadata returns a copy of the CloudEvents attribute map so callers
// cannot mutate the immutable event through it.
func (e *Event) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// MetadataValue returns a single metadata value and whether it was present.
func (e *Event) MetadataValue(key string) (string, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// Equal implements equality by id, per the data model invariant.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.id == other.id
}

// IsCloudEventsCompliant checks that the four required ce-* attributes are
// present and that ce-source looks like a URN/URI.
func (e *Event) IsCloudEventsCompliant() bool {
	required := []string{CEMetaSpecVersion, CEMetaType, CEMetaSource, CEMetaDataContentType}
	for _, key := range required {
		v, ok := e.metadata[key]
		if !ok || v == "" {
			return false
		}
	}
	source := e.metadata[CEMetaSource]
	return strings.Contains(source, ":") || strings.Contains(source, "/")
}

// EventBuilder constructs an Event, validating required fields before the
// event becomes visible to the rest of the mesh.
type EventBuilder struct {
	e   Event
	err error
}

// NewEvent starts building an event on the given topic.
func NewEvent(topic string) *EventBuilder {
	b := &EventBuilder{}
	if topic == "" {
		b.err = NewMeshError("NewEvent", "InvalidTopic", ErrInvalidTopic)
		return b
	}
	b.e.id = uuid.NewString()
	b.e.topic = topic
	b.e.metadata = make(map[string]string)
	b.e.metadata[CEMetaSpecVersion] = CESpecVersion1_0
	return b
}

func (b *EventBuilder) WithPayload(payload interface{}) *EventBuilder {
	b.e.payload = payload
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.e.correlationID = id
	return b
}

func (b *EventBuilder) WithSender(sender string) *EventBuilder {
	b.e.sender = sender
	return b
}

func (b *EventBuilder) WithTimestamp(ts time.Time) *EventBuilder {
	b.e.timestamp = ts
	return b
}

func (b *EventBuilder) WithDeliveryOptions(opts DeliveryOptions) *EventBuilder {
	b.e.deliveryOptions = opts
	return b
}

// WithMetadata sets a single metadata entry.
func (b *EventBuilder) WithMetadata(key, value string) *EventBuilder {
	if b.e.metadata == nil {
		b.e.metadata = make(map[string]string)
	}
	b.e.metadata[key] = value
	return b
}

// WithCloudEvents sets the three remaining CloudEvents attributes;
// ce-specversion is always set by NewEvent.
func (b *EventBuilder) WithCloudEvents(ceType, ceSource, contentType string) *EventBuilder {
	return b.WithMetadata(CEMetaType, ceType).
		WithMetadata(CEMetaSource, ceSource).
		WithMetadata(CEMetaDataContentType, contentType)
}

// Build validates and returns the immutable event. If the correlation id is
// absent and the topic is a request topic (ends in ".request"), a fresh one
// is generated so the caller can always correlate a reply.
func (b *EventBuilder) Build() (*Event, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.e.topic == "" {
		return nil, NewMeshError("Event.Build", "InvalidTopic", ErrInvalidTopic)
	}
	if b.e.correlationID == "" && strings.HasSuffix(b.e.topic, ".request") {
		b.e.correlationID = uuid.NewString()
	}
	if b.e.timestamp.IsZero() {
		b.e.timestamp = time.Now()
	}
	out := b.e
	out.metadata = make(map[string]string, len(b.e.metadata))
	for k, v := range b.e.metadata {
		out.metadata[k] = v
	}
	return &out, nil
}

// MustBuild panics on build error; intended for static/test event
// construction where the inputs are known-good.
func (b *EventBuilder) MustBuild() *Event {
	ev, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("core: MustBuild: %v", err))
	}
	return ev
}
