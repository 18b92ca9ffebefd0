package bus

import (
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// CloudEventsCodec wraps bodies in a CloudEvents envelope in structured JSON mode. Bodies that already are
// events pass through; anything else becomes the data of a new event. Listeners receive event.Event values.
type CloudEventsCodec struct {
	source    string
	eventType string
}

// NewCloudEventsCodec returns a codec stamping new events with source.
func NewCloudEventsCodec(source string) CloudEventsCodec {
	return CloudEventsCodec{source: source, eventType: "io.busbridge.message"}
}

func (CloudEventsCodec) Name() string { return CodecCloudEvents }

func (c CloudEventsCodec) Marshal(v any) ([]byte, error) {
	ev, err := c.toEvent(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("cloudevents codec marshal: %w", err)
	}
	return data, nil
}

func (CloudEventsCodec) Unmarshal(data []byte) (any, error) {
	ev := cloudevents.NewEvent()
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("cloudevents codec unmarshal: %w", err)
	}
	return ev, nil
}

func (c CloudEventsCodec) Transform(v any) (any, error) {
	ev, err := c.toEvent(v)
	if err != nil {
		return nil, err
	}
	return ev.Clone(), nil
}

func (c CloudEventsCodec) toEvent(v any) (event.Event, error) {
	switch typed := v.(type) {
	case event.Event:
		return typed, nil
	case *event.Event:
		if typed == nil {
			return event.Event{}, fmt.Errorf("cloudevents codec: nil event")
		}
		return *typed, nil
	}
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource(c.source)
	ev.SetType(c.eventType)
	if err := ev.SetData(cloudevents.ApplicationJSON, v); err != nil {
		return event.Event{}, fmt.Errorf("cloudevents codec set data: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return event.Event{}, fmt.Errorf("cloudevents codec validate: %w", err)
	}
	return ev, nil
}
