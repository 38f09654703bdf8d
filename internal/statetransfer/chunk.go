package statetransfer

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dreamware/replicache/internal/storage"
)

// Category tags the data stream a chunk belongs to.
type Category int

const (
	CategoryNone Category = iota
	CategoryCacheItems
	CategoryCollectionItems
	CategoryMessages
	CategoryLoggedOperations
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryCacheItems:
		return "cache-items"
	case CategoryCollectionItems:
		return "collection-items"
	case CategoryMessages:
		return "messages"
	case CategoryLoggedOperations:
		return "logged-operations"
	default:
		return "unknown"
	}
}

// Item is one transferred record. Data is an encoded storage.Entry for
// cache and collection items and the raw payload for messages. Op is set
// only for logged operations.
type Item struct {
	Key   string
	Topic string
	Data  []byte
	Op    storage.LogOp
}

// Chunk is what one GetData call returns.
type Chunk struct {
	Items     []Item
	Completed bool
	Size      int64
	Category  Category
}

// ErrMalformedChunk is returned when a chunk cannot be decoded.
var ErrMalformedChunk = errors.New("statetransfer: malformed chunk")

const (
	chunkItems     protowire.Number = 1
	chunkCompleted protowire.Number = 2
	chunkSize      protowire.Number = 3
	chunkCategory  protowire.Number = 4

	itemKey   protowire.Number = 1
	itemTopic protowire.Number = 2
	itemData  protowire.Number = 3
	itemOp    protowire.Number = 4
)

// MarshalBinary encodes the chunk in protobuf wire format.
func (c *Chunk) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, it := range c.Items {
		b = protowire.AppendTag(b, chunkItems, protowire.BytesType)
		b = protowire.AppendBytes(b, it.marshal())
	}
	if c.Completed {
		b = protowire.AppendTag(b, chunkCompleted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if c.Size != 0 {
		b = protowire.AppendTag(b, chunkSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Size))
	}
	if c.Category != CategoryNone {
		b = protowire.AppendTag(b, chunkCategory, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Category))
	}
	return b, nil
}

// UnmarshalBinary decodes a chunk written by MarshalBinary.
func (c *Chunk) UnmarshalBinary(b []byte) error {
	*c = Chunk{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == chunkItems && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
			}
			var it Item
			if err := it.unmarshal(v); err != nil {
				return err
			}
			c.Items = append(c.Items, it)
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
			}
			switch num {
			case chunkCompleted:
				c.Completed = v != 0
			case chunkSize:
				c.Size = int64(v)
			case chunkCategory:
				c.Category = Category(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (it *Item) marshal() []byte {
	var b []byte
	if it.Key != "" {
		b = protowire.AppendTag(b, itemKey, protowire.BytesType)
		b = protowire.AppendString(b, it.Key)
	}
	if it.Topic != "" {
		b = protowire.AppendTag(b, itemTopic, protowire.BytesType)
		b = protowire.AppendString(b, it.Topic)
	}
	if len(it.Data) > 0 {
		b = protowire.AppendTag(b, itemData, protowire.BytesType)
		b = protowire.AppendBytes(b, it.Data)
	}
	if it.Op != 0 {
		b = protowire.AppendTag(b, itemOp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(it.Op))
	}
	return b
}

func (it *Item) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == itemKey || num == itemTopic || num == itemData):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
			}
			switch num {
			case itemKey:
				it.Key = string(v)
			case itemTopic:
				it.Topic = string(v)
			case itemData:
				it.Data = append([]byte(nil), v...)
			}
			b = b[n:]
		case num == itemOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
			}
			it.Op = storage.LogOp(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Join(ErrMalformedChunk, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
