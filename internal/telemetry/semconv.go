package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for busbridge telemetry, following OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrAddress labels signals with the bus address they concern.
	AttrAddress = attribute.Key("bus.address")
	// AttrMode distinguishes send, publish and request deliveries.
	AttrMode = attribute.Key("bus.mode")
	// AttrTransport identifies the bus implementation (memory, nats).
	AttrTransport = attribute.Key("bus.transport")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
)

// Delivery modes.
const (
	ModeSend    = "send"
	ModePublish = "publish"
	ModeRequest = "request"
	ModeReply   = "reply"
)

// AddressAttributes returns the common attributes for per-address bus metrics.
func AddressAttributes(transport, address string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTransport.String(transport),
		AttrAddress.String(address),
	}
}

// DeliveryAttributes returns attributes for delivery metrics with mode and result classification.
func DeliveryAttributes(transport, address, mode, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTransport.String(transport),
		AttrAddress.String(address),
		AttrMode.String(mode),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(transport, address, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTransport.String(transport),
		AttrAddress.String(address),
		AttrErrorType.String(errorType),
	}
}
