package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrNilPayload   = errors.New("payload is nil")
	ErrUnknownKind  = errors.New("payload kind is not registered")
	ErrUnsendable   = errors.New("unrecognized payloads cannot be encoded")
	ErrKindMismatch = errors.New("payload kind does not match its registration")
)

// Factory returns a new zero value of a registered variant, always as a pointer.
type Factory func() Payload

// Registry maps type tags to concrete variants at the serialization boundary.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Kind]Factory),
	}
}

// Register binds kind to factory. Registering an empty or duplicate kind is a
// programming error and panics.
func (r *Registry) Register(kind Kind, factory Factory) {
	if strings.TrimSpace(string(kind)) == "" {
		panic("messages: cannot register an empty kind")
	}
	if factory == nil {
		panic(fmt.Sprintf("messages: nil factory for kind %q", kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[kind]; ok {
		panic(fmt.Sprintf("messages: kind %q registered twice", kind))
	}
	r.factories[kind] = factory
}

// Known reports whether kind has a registered factory.
func (r *Registry) Known(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[kind]
	return ok
}

// Kinds returns the registered tags in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Encode returns the tag and JSON body for payload.
func (r *Registry) Encode(payload Payload) (Kind, []byte, error) {
	if IsNil(payload) {
		return "", nil, ErrNilPayload
	}

	if _, ok := payload.(*Unrecognized); ok {
		return "", nil, ErrUnsendable
	}

	kind := payload.Kind()
	if !r.Known(kind) {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	return kind, body, nil
}

// Decode reconstructs the variant registered for kind. Unknown tags and bodies that
// fail to decode come back as *Unrecognized so the caller can settle them.
func (r *Registry) Decode(kind Kind, body []byte) Payload {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return &Unrecognized{Tag: kind, Body: body, Err: fmt.Errorf("%w: %q", ErrUnknownKind, kind)}
	}

	payload := factory()
	if payload.Kind() != kind {
		return &Unrecognized{Tag: kind, Body: body, Err: ErrKindMismatch}
	}

	err := json.Unmarshal(body, payload)
	if err != nil {
		return &Unrecognized{Tag: kind, Body: body, Err: fmt.Errorf("decode %s payload: %w", kind, err)}
	}

	return payload
}

// IsNil reports whether payload is nil or a typed nil pointer to a variant.
func IsNil(payload Payload) bool {
	if payload == nil {
		return true
	}

	switch p := payload.(type) {
	case *FanoutActivity:
		return p == nil
	case *FanoutTopicActivity:
		return p == nil
	case *FanoutTopic:
		return p == nil
	case *FollowingImport:
		return p == nil
	case *Like:
		return p == nil
	case *Relationship:
		return p == nil
	case *Report:
		return p == nil
	case *ResizeImage:
		return p == nil
	case *SearchIndexTopic:
		return p == nil
	case *SearchRemoveTopic:
		return p == nil
	case *SearchIndexUser:
		return p == nil
	case *SearchRemoveUser:
		return p == nil
	case *ContentModeration:
		return p == nil
	case *ImageModeration:
		return p == nil
	case *UserModeration:
		return p == nil
	case *Unrecognized:
		return p == nil
	}

	return false
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry knows every variant defined in this package.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		r := NewRegistry()
		r.Register(KindFanoutActivity, func() Payload { return &FanoutActivity{} })
		r.Register(KindFanoutTopicActivity, func() Payload { return &FanoutTopicActivity{} })
		r.Register(KindFanoutTopic, func() Payload { return &FanoutTopic{} })
		r.Register(KindFollowingImport, func() Payload { return &FollowingImport{} })
		r.Register(KindLike, func() Payload { return &Like{} })
		r.Register(KindRelationship, func() Payload { return &Relationship{} })
		r.Register(KindReport, func() Payload { return &Report{} })
		r.Register(KindResizeImage, func() Payload { return &ResizeImage{} })
		r.Register(KindSearchIndexTopic, func() Payload { return &SearchIndexTopic{} })
		r.Register(KindSearchRemoveTopic, func() Payload { return &SearchRemoveTopic{} })
		r.Register(KindSearchIndexUser, func() Payload { return &SearchIndexUser{} })
		r.Register(KindSearchRemoveUser, func() Payload { return &SearchRemoveUser{} })
		r.Register(KindContentModeration, func() Payload { return &ContentModeration{} })
		r.Register(KindImageModeration, func() Payload { return &ImageModeration{} })
		r.Register(KindUserModeration, func() Payload { return &UserModeration{} })
		defaultRegistry = r
	})

	return defaultRegistry
}
