package sample

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Pair is one opaque (key, value) byte pair of an attachment.
type Pair struct {
	Key   []byte
	Value []byte
}

// Attachment is an ordered sequence of opaque byte pairs carried alongside
// a sample, query, or reply. Duplicate keys are permitted; it is a
// sequence, not a mapping. Insertion order is preserved end-to-end.
type Attachment []Pair

// Add appends a pair and returns the extended attachment.
func (a Attachment) Add(key, value []byte) Attachment {
	return append(a, Pair{Key: key, Value: value})
}

// Get returns the value of the first pair with the given key, or nil.
func (a Attachment) Get(key []byte) []byte {
	for _, p := range a {
		if bytes.Equal(p.Key, key) {
			return p.Value
		}
	}
	return nil
}

// Equal reports whether two attachments hold the same pairs in the same
// order.
func (a Attachment) Equal(b Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Key, b[i].Key) || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// Encode serializes the attachment as alternating length-delimited key and
// value records. The encoding is self-delimiting so keys and values may be
// arbitrary bytes, including empty.
func (a Attachment) Encode() []byte {
	if a == nil {
		return nil
	}
	var size int
	for _, p := range a {
		size += protowire.SizeBytes(len(p.Key)) + protowire.SizeBytes(len(p.Value))
	}
	buf := make([]byte, 0, size)
	for _, p := range a {
		buf = protowire.AppendBytes(buf, p.Key)
		buf = protowire.AppendBytes(buf, p.Value)
	}
	return buf
}

// DecodeAttachment parses an encoded attachment. For every well-formed
// attachment a, DecodeAttachment(a.Encode()) yields pairs equal to a.
func DecodeAttachment(buf []byte) (Attachment, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	var a Attachment
	for len(buf) > 0 {
		key, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("attachment: bad key record: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		value, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("attachment: bad value record: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		// Copy out of the wire buffer so pairs do not alias it.
		a = append(a, Pair{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
	}
	return a, nil
}
