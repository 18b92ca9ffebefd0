package bus

import (
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"
)

// JSONCodec encodes bodies as JSON. Transform round-trips the value through JSON into a fresh value of the same
// Go type, so local listeners never share memory with the sender.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("json codec unmarshal: %w", err)
	}
	return out, nil
}

func (c JSONCodec) Transform(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	target := reflect.New(reflect.TypeOf(v))
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return nil, fmt.Errorf("json codec transform: %w", err)
	}
	return target.Elem().Interface(), nil
}
