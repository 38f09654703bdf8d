package storage

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Result is the outcome of a write against a store. The set is closed: every
// node answering a clustered write reports exactly one of these.
type Result int

const (
	// ResultFailure means the write was not applied.
	ResultFailure Result = iota
	// ResultSuccess means a new entry was stored.
	ResultSuccess
	// ResultSuccessOverwrite means an existing entry was replaced.
	ResultSuccessOverwrite
	// ResultKeyExists is returned by Add when the key is already present.
	ResultKeyExists
	// ResultNeedsEviction means the store is full and eviction is disabled.
	ResultNeedsEviction
)

// String returns the result name used in logs and errors.
func (r Result) String() string {
	switch r {
	case ResultFailure:
		return "failure"
	case ResultSuccess:
		return "success"
	case ResultSuccessOverwrite:
		return "success-overwrite"
	case ResultKeyExists:
		return "key-exists"
	case ResultNeedsEviction:
		return "needs-eviction"
	default:
		return "unknown"
	}
}

// IsSuccess reports whether the write was applied.
func (r Result) IsSuccess() bool {
	return r == ResultSuccess || r == ResultSuccessOverwrite
}

// Entry is a cached value with its data-affinity group.
type Entry struct {
	Value      []byte `cbor:"1,keyasint,omitempty"`
	Group      string `cbor:"2,keyasint,omitempty"`
	SubGroup   string `cbor:"3,keyasint,omitempty"`
	Collection bool   `cbor:"4,keyasint,omitempty"`
	Version    uint64 `cbor:"5,keyasint,omitempty"`
}

// Size returns the approximate in-memory size of the entry.
func (e *Entry) Size() int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Value) + len(e.Group) + len(e.SubGroup) + 16)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Value != nil {
		c.Value = make([]byte, len(e.Value))
		copy(c.Value, e.Value)
	}
	return &c
}

// CloneWithoutValue returns a copy carrying only the metadata. It is used
// when the value travels separately as a binary payload.
func (e *Entry) CloneWithoutValue() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Value = nil
	return &c
}

const (
	fieldValue      protowire.Number = 1
	fieldGroup      protowire.Number = 2
	fieldSubGroup   protowire.Number = 3
	fieldCollection protowire.Number = 4
	fieldVersion    protowire.Number = 5
)

// ErrMalformedEntry is returned when an encoded entry cannot be parsed.
var ErrMalformedEntry = errors.New("malformed entry encoding")

// MarshalBinary encodes the entry in protobuf wire format.
func (e *Entry) MarshalBinary() ([]byte, error) {
	var b []byte
	if len(e.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Value)
	}
	if e.Group != "" {
		b = protowire.AppendTag(b, fieldGroup, protowire.BytesType)
		b = protowire.AppendString(b, e.Group)
	}
	if e.SubGroup != "" {
		b = protowire.AppendTag(b, fieldSubGroup, protowire.BytesType)
		b = protowire.AppendString(b, e.SubGroup)
	}
	if e.Collection {
		b = protowire.AppendTag(b, fieldCollection, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if e.Version != 0 {
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Version)
	}
	return b, nil
}

// UnmarshalBinary decodes an entry produced by MarshalBinary. Unknown fields
// are skipped.
func (e *Entry) UnmarshalBinary(b []byte) error {
	*e = Entry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Join(ErrMalformedEntry, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Join(ErrMalformedEntry, protowire.ParseError(m))
			}
			e.Value = append([]byte{}, v...)
			n = m
		case num == fieldGroup && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return errors.Join(ErrMalformedEntry, protowire.ParseError(m))
			}
			e.Group = v
			n = m
		case num == fieldSubGroup && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return errors.Join(ErrMalformedEntry, protowire.ParseError(m))
			}
			e.SubGroup = v
			n = m
		case num == fieldCollection && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Join(ErrMalformedEntry, protowire.ParseError(m))
			}
			e.Collection = protowire.DecodeBool(v)
			n = m
		case num == fieldVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Join(ErrMalformedEntry, protowire.ParseError(m))
			}
			e.Version = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return errors.Join(ErrMalformedEntry, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]
	}
	return nil
}

// Message is a queued message held by the store alongside regular entries.
type Message struct {
	ID      string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint,omitempty"`
}

// Size returns the payload size of the message.
func (m *Message) Size() int64 {
	return int64(len(m.Payload) + len(m.ID))
}

// TopicMessages lists the message ids stored under one topic, oldest first.
type TopicMessages struct {
	Topic string
	IDs   []string
}

// LogOp identifies a change recorded while change logging is on.
type LogOp int

const (
	// LogInsert records that a key was added or updated.
	LogInsert LogOp = iota + 1
	// LogRemove records that a key was removed.
	LogRemove
)

// LoggedOperation is one change recorded after StartLogging.
type LoggedOperation struct {
	Op  LogOp
	Key string
}
