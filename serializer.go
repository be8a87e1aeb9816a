package xsbus

import (
	"fmt"
)

// Serializer turns logical messages into transport messages and back. The
// type header carries the logical type name; the content-type header records
// the codec that produced the body.
type Serializer interface {
	Serialize(m *LogicalMessage) (*TransportMessage, error)
	Deserialize(m *TransportMessage) (*LogicalMessage, error)
}

// codecSerializer is the default Serializer: any registered Codec over the
// type registry.
type codecSerializer struct {
	codec    Codec
	registry *TypeRegistry
}

// NewSerializer builds the default serializer from a codec and type registry.
func NewSerializer(codec Codec, registry *TypeRegistry) Serializer {
	return &codecSerializer{codec: codec, registry: registry}
}

func (s *codecSerializer) Serialize(m *LogicalMessage) (*TransportMessage, error) {
	body, err := s.codec.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("xsbus: serialize %q: %w", m.Type, err)
	}
	headers := m.Headers.Clone()
	headers.Set(HeaderType, m.Type)
	headers.Set(HeaderContentType, s.codec.ContentType())
	return NewTransportMessage(headers, body), nil
}

func (s *codecSerializer) Deserialize(m *TransportMessage) (*LogicalMessage, error) {
	name, ok := m.Headers.Get(HeaderType)
	if !ok {
		return nil, fmt.Errorf("xsbus: transport message %q has no type header", m.ID())
	}
	body, ok := s.registry.New(name)
	if !ok {
		return nil, UnknownTypeError{Name: name}
	}
	if err := s.codec.Unmarshal(m.Body, body); err != nil {
		return nil, fmt.Errorf("xsbus: deserialize %q: %w", name, err)
	}
	return NewLogicalMessage(m.Headers.Clone(), name, body), nil
}
