// Package codec encodes payloads to bytes and back, keyed by the type tag that
// travels with every envelope. Decoding only ever instantiates types that were
// registered up front.
package codec

import (
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// Codec converts values to and from bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON encodes with sonic using encoding/json compatible settings.
	JSON Codec = jsonCodec{}
	// Proto encodes protobuf messages as protojson.
	Proto Codec = protoCodec{}
)

type registration struct {
	elem  reflect.Type
	codec Codec
}

// Serializer maps type tags to Go types.
type Serializer struct {
	mu     sync.RWMutex
	byTag  map[string]registration
	byType map[reflect.Type]string
}

// NewSerializer returns an empty Serializer.
func NewSerializer() *Serializer {
	return &Serializer{
		byTag:  make(map[string]registration),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds tag to the type of prototype, which must be a pointer. Proto
// messages use the Proto codec, everything else JSON.
func (s *Serializer) Register(tag string, prototype any) error {
	if tag == "" {
		return errspkg.ErrTypeTagRequired
	}
	typ := reflect.TypeOf(prototype)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("codec: prototype for %q must be a non-nil pointer type, got %v", tag, typ)
	}

	c := JSON
	if _, ok := prototype.(proto.Message); ok {
		c = Proto
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byTag[tag]; ok && existing.elem != typ.Elem() {
		return fmt.Errorf("codec: type tag %q already bound to %v", tag, existing.elem)
	}
	s.byTag[tag] = registration{elem: typ.Elem(), codec: c}
	s.byType[typ] = tag
	return nil
}

// RegisterType binds tag to *T.
func RegisterType[T any](s *Serializer, tag string) error {
	return s.Register(tag, new(T))
}

// Known reports whether tag has a registered type.
func (s *Serializer) Known(tag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byTag[tag]
	return ok
}

// TagOf returns the tag registered for the dynamic type of v.
func (s *Serializer) TagOf(v any) (string, error) {
	typ := reflect.TypeOf(v)
	if typ != nil && typ.Kind() != reflect.Ptr {
		typ = reflect.PointerTo(typ)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	tag, ok := s.byType[typ]
	if !ok {
		return "", fmt.Errorf("%w: no tag for %v", errspkg.ErrUnknownTypeTag, typ)
	}
	return tag, nil
}

// Encode marshals v and returns it with its tag.
func (s *Serializer) Encode(v any) (string, []byte, error) {
	tag, err := s.TagOf(v)
	if err != nil {
		return "", nil, err
	}

	s.mu.RLock()
	reg := s.byTag[tag]
	s.mu.RUnlock()

	body, err := reg.codec.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("codec: marshal %s: %w", tag, err)
	}
	return tag, body, nil
}

// Decode instantiates the type registered for tag and unmarshals body into it.
// The result is always a pointer.
func (s *Serializer) Decode(tag string, body []byte) (any, error) {
	s.mu.RLock()
	reg, ok := s.byTag[tag]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownTypeTag, tag)
	}

	value := reflect.New(reg.elem).Interface()
	if len(body) == 0 {
		return value, nil
	}
	if err := reg.codec.Unmarshal(body, value); err != nil {
		return nil, fmt.Errorf("codec: unmarshal %s: %w", tag, err)
	}
	return value, nil
}
