package bus

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/coachpo/busbridge/errs"
)

// Codec converts bodies for named deliveries. Marshal and Unmarshal are used by transports that cross a wire;
// Transform produces the copy handed to a local listener.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
	Transform(v any) (any, error)
}

// Built-in codec names.
const (
	CodecJSON        = "json"
	CodecString      = "string"
	CodecBytes       = "bytes"
	CodecCloudEvents = "cloudevents"
)

// CodecRegistry is the codec table shared by a bus and the connectors using it.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewCodecRegistry returns a registry preloaded with the built-in codecs.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]Codec)}
	for _, c := range []Codec{JSONCodec{}, StringCodec{}, BytesCodec{}, NewCloudEventsCodec("busbridge")} {
		r.codecs[c.Name()] = c
	}
	return r
}

// Register adds c under its name. Registering a second codec under a taken name fails.
func (r *CodecRegistry) Register(c Codec) error {
	if c == nil {
		return errs.New("bus/codec", errs.CodeInvalid, errs.WithMessage("codec required"))
	}
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return errs.New("bus/codec", errs.CodeInvalid, errs.WithMessage("codec name required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[name]; exists {
		return errs.New("bus/codec", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("codec %q already registered", name)))
	}
	r.codecs[name] = c
	return nil
}

// Unregister removes the codec registered under name.
func (r *CodecRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.codecs, strings.TrimSpace(name))
	r.mu.Unlock()
}

// Resolve returns the codec registered under name.
func (r *CodecRegistry) Resolve(name string) (Codec, error) {
	trimmed := strings.TrimSpace(name)
	r.mu.RLock()
	c, ok := r.codecs[trimmed]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("bus/codec", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("no codec registered under %q", trimmed)))
	}
	return c, nil
}

// Names lists the registered codec names in sorted order.
func (r *CodecRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// StringCodec carries text bodies.
type StringCodec struct{}

func (StringCodec) Name() string { return CodecString }

func (StringCodec) Marshal(v any) ([]byte, error) {
	switch typed := v.(type) {
	case string:
		return []byte(typed), nil
	case []byte:
		return append([]byte(nil), typed...), nil
	case fmt.Stringer:
		return []byte(typed.String()), nil
	default:
		return nil, errs.New("bus/codec", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("string codec cannot encode %T", v)))
	}
}

func (StringCodec) Unmarshal(data []byte) (any, error) { return string(data), nil }

func (c StringCodec) Transform(v any) (any, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// BytesCodec carries raw byte slices; local deliveries receive a private copy.
type BytesCodec struct{}

func (BytesCodec) Name() string { return CodecBytes }

func (BytesCodec) Marshal(v any) ([]byte, error) {
	switch typed := v.(type) {
	case []byte:
		return append([]byte(nil), typed...), nil
	case string:
		return []byte(typed), nil
	default:
		return nil, errs.New("bus/codec", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("bytes codec cannot encode %T", v)))
	}
}

func (BytesCodec) Unmarshal(data []byte) (any, error) { return append([]byte(nil), data...), nil }

func (c BytesCodec) Transform(v any) (any, error) { return c.Marshal(v) }
