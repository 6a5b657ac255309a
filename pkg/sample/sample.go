package sample

import "time"

// Kind distinguishes data samples from deletions.
type Kind uint8

const (
	// Put carries a payload for a key.
	Put Kind = iota

	// Delete signals removal of a key; a Delete sample carries no payload.
	Delete
)

func (k Kind) String() string {
	switch k {
	case Put:
		return "Put"
	case Delete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Sample is one unit of data associated with a concrete key.
// Samples are immutable after creation; the payload buffer may be shared
// by every delivery path that holds the sample.
type Sample struct {
	key        string
	kind       Kind
	payload    *Payload
	attachment Attachment
	qos        QoS
	timestamp  time.Time
}

// New creates a Put or Delete sample for the given concrete key.
// The payload is captured as-is; Delete samples should pass nil.
func New(key string, kind Kind, payload *Payload, qos QoS) *Sample {
	if payload == nil {
		payload = emptyPayload
	}
	return &Sample{
		key:       key,
		kind:      kind,
		payload:   payload,
		qos:       qos,
		timestamp: time.Now().UTC(),
	}
}

// WithAttachment returns a copy of the sample carrying the attachment.
func (s *Sample) WithAttachment(a Attachment) *Sample {
	c := *s
	c.attachment = a
	return &c
}

// WithQoS returns a copy of the sample carrying the given settings. The
// payload buffer and timestamp are shared with the original.
func (s *Sample) WithQoS(qos QoS) *Sample {
	c := *s
	c.qos = qos
	return &c
}

// Key returns the concrete key this sample was published on.
func (s *Sample) Key() string { return s.key }

// Kind returns whether this is a Put or a Delete.
func (s *Sample) Kind() Kind { return s.kind }

// Payload returns the sample payload. Never nil; Delete samples have a
// zero-length payload.
func (s *Sample) Payload() *Payload { return s.payload }

// Attachment returns the optional attachment, or nil.
func (s *Sample) Attachment() Attachment { return s.attachment }

// QoS returns the quality-of-service settings the sample was published with.
func (s *Sample) QoS() QoS { return s.qos }

// Timestamp returns when the sample was created.
func (s *Sample) Timestamp() time.Time { return s.timestamp }
