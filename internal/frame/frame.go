// Package frame defines the wire format exchanged between peered sessions.
//
// A frame is a flat, protowire-encoded record. Frames are opaque to the
// transport: the peer link moves length-delimited byte blobs and this
// package gives them meaning. There is no generated code; every field is
// written and read explicitly, which keeps the format self-delimiting and
// free of schema tooling.
package frame

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type discriminates the frames of the session protocol.
type Type uint8

const (
	// TypeHello announces a newly attached peer; it prompts a full
	// declaration state push in the other direction.
	TypeHello Type = iota + 1

	// TypeDeclare mirrors a subscriber or queryable declaration.
	TypeDeclare

	// TypeUndeclare retracts a previously mirrored declaration.
	TypeUndeclare

	// TypeSample carries a routed Put or Delete sample.
	TypeSample

	// TypeQuery fans a query out to a peer with matching queryables.
	TypeQuery

	// TypeReply carries one typed reply back to the querying peer.
	TypeReply

	// TypeFinal signals that the sending peer has no more replies for
	// the query.
	TypeFinal
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeDeclare:
		return "Declare"
	case TypeUndeclare:
		return "Undeclare"
	case TypeSample:
		return "Sample"
	case TypeQuery:
		return "Query"
	case TypeReply:
		return "Reply"
	case TypeFinal:
		return "Final"
	default:
		return "Unknown"
	}
}

// ReplyKind tags the three reply shapes a queryable may produce.
type ReplyKind uint8

const (
	// ReplyOK is a success reply carrying a Put sample.
	ReplyOK ReplyKind = iota

	// ReplyDelete is a success reply signalling deletion; it carries no
	// payload by definition.
	ReplyDelete

	// ReplyErr is an application-level error reply carrying a value.
	ReplyErr
)

// ErrTruncated is returned when a frame ends before its declared fields.
var ErrTruncated = errors.New("frame: truncated")

// Frame is the decoded union of every frame type. Only the fields
// relevant to Type are populated; the rest stay zero.
type Frame struct {
	Type Type

	// Hello
	PeerID string

	// Declare / Undeclare
	DeclID      uint64
	DeclKind    uint8 // registry.Kind
	KeyExpr     string
	Reliability uint8 // sample.Reliability

	// Sample / Reply payload fields
	Key        string
	SampleKind uint8 // sample.Kind
	Payload    []byte
	Attachment []byte

	// Sample QoS
	CongestionControl uint8
	Priority          uint8

	// Query / Reply / Final correlation
	QueryID    string
	Parameters string
	Value      []byte

	// Reply
	ReplyKind ReplyKind
}

// Field numbers. Stable; never reuse a retired number.
const (
	fieldType              = 1
	fieldPeerID            = 2
	fieldDeclID            = 3
	fieldDeclKind          = 4
	fieldKeyExpr           = 5
	fieldReliability       = 6
	fieldKey               = 7
	fieldSampleKind        = 8
	fieldPayload           = 9
	fieldAttachment        = 10
	fieldCongestionControl = 11
	fieldPriority          = 12
	fieldQueryID           = 13
	fieldParameters        = 14
	fieldValue             = 15
	fieldReplyKind         = 16
)

// Encode serializes the frame. Zero-valued fields are omitted.
func (f *Frame) Encode() []byte {
	buf := make([]byte, 0, 64+len(f.Payload)+len(f.Attachment)+len(f.Value))
	buf = appendUint(buf, fieldType, uint64(f.Type))
	if f.PeerID != "" {
		buf = appendString(buf, fieldPeerID, f.PeerID)
	}
	if f.DeclID != 0 {
		buf = appendUint(buf, fieldDeclID, f.DeclID)
	}
	if f.DeclKind != 0 {
		buf = appendUint(buf, fieldDeclKind, uint64(f.DeclKind))
	}
	if f.KeyExpr != "" {
		buf = appendString(buf, fieldKeyExpr, f.KeyExpr)
	}
	if f.Reliability != 0 {
		buf = appendUint(buf, fieldReliability, uint64(f.Reliability))
	}
	if f.Key != "" {
		buf = appendString(buf, fieldKey, f.Key)
	}
	if f.SampleKind != 0 {
		buf = appendUint(buf, fieldSampleKind, uint64(f.SampleKind))
	}
	if len(f.Payload) > 0 {
		buf = appendBytes(buf, fieldPayload, f.Payload)
	}
	if len(f.Attachment) > 0 {
		buf = appendBytes(buf, fieldAttachment, f.Attachment)
	}
	if f.CongestionControl != 0 {
		buf = appendUint(buf, fieldCongestionControl, uint64(f.CongestionControl))
	}
	if f.Priority != 0 {
		buf = appendUint(buf, fieldPriority, uint64(f.Priority))
	}
	if f.QueryID != "" {
		buf = appendString(buf, fieldQueryID, f.QueryID)
	}
	if f.Parameters != "" {
		buf = appendString(buf, fieldParameters, f.Parameters)
	}
	if len(f.Value) > 0 {
		buf = appendBytes(buf, fieldValue, f.Value)
	}
	if f.ReplyKind != 0 {
		buf = appendUint(buf, fieldReplyKind, uint64(f.ReplyKind))
	}
	return buf
}

// Decode parses a frame. Unknown fields are skipped so newer peers can
// add fields without breaking older ones.
func Decode(buf []byte) (*Frame, error) {
	f := &Frame{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("frame: bad tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("frame: bad varint for field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case fieldType:
				f.Type = Type(v)
			case fieldDeclID:
				f.DeclID = v
			case fieldDeclKind:
				f.DeclKind = uint8(v)
			case fieldReliability:
				f.Reliability = uint8(v)
			case fieldSampleKind:
				f.SampleKind = uint8(v)
			case fieldCongestionControl:
				f.CongestionControl = uint8(v)
			case fieldPriority:
				f.Priority = uint8(v)
			case fieldReplyKind:
				f.ReplyKind = ReplyKind(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("frame: bad bytes for field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case fieldPeerID:
				f.PeerID = string(v)
			case fieldKeyExpr:
				f.KeyExpr = string(v)
			case fieldKey:
				f.Key = string(v)
			case fieldQueryID:
				f.QueryID = string(v)
			case fieldParameters:
				f.Parameters = string(v)
			case fieldPayload:
				f.Payload = append([]byte(nil), v...)
			case fieldAttachment:
				f.Attachment = append([]byte(nil), v...)
			case fieldValue:
				f.Value = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("frame: bad field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	if f.Type == 0 {
		return nil, fmt.Errorf("%w: missing frame type", ErrTruncated)
	}
	return f, nil
}

func appendUint(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendBytes(buf []byte, num protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}

func appendString(buf []byte, num protowire.Number, v string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, v)
}
