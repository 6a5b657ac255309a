package sample

// Payload is an immutable byte buffer. A single payload may back many
// in-flight deliveries at once; its lifetime is that of the longest
// holder, so consumers must treat the bytes as read-only.
type Payload struct {
	data []byte
}

var emptyPayload = &Payload{}

// NewPayload copies b once into an immutable buffer. Subsequent delivery
// paths share the buffer without further copying.
func NewPayload(b []byte) *Payload {
	if len(b) == 0 {
		return emptyPayload
	}
	data := make([]byte, len(b))
	copy(data, b)
	return &Payload{data: data}
}

// PayloadFromString wraps s without copying; strings are already immutable.
func PayloadFromString(s string) *Payload {
	if s == "" {
		return emptyPayload
	}
	return &Payload{data: []byte(s)}
}

// AdoptPayload wraps b directly without copying. Only for buffers the
// caller owns exclusively and will never modify, such as a freshly
// decoded wire frame.
func AdoptPayload(b []byte) *Payload {
	if len(b) == 0 {
		return emptyPayload
	}
	return &Payload{data: b}
}

// Bytes returns the underlying buffer without copying. Callers must not
// modify the returned slice.
func (p *Payload) Bytes() []byte { return p.data }

// Len returns the payload length in bytes.
func (p *Payload) Len() int { return len(p.data) }

// String interprets the payload as UTF-8 text.
func (p *Payload) String() string { return string(p.data) }
