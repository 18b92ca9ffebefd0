package natsbus

import (
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/coachpo/busbridge/errs"
	"github.com/coachpo/busbridge/internal/bus"
)

// Reserved headers. Everything else travels as application headers.
const (
	HeaderCodec         = "Bridge-Codec"
	HeaderAddress       = "Bridge-Address"
	HeaderFailureCode   = "Bridge-Failure-Code"
	HeaderFailureReason = "Bridge-Failure-Reason"

	statusHeader      = "Status"
	statusNoResponder = "503"
)

// codecFor picks the wire codec: the named one, else one matching the body's shape.
func codecFor(name string, body any) string {
	if name != "" {
		return name
	}
	switch body.(type) {
	case []byte:
		return bus.CodecBytes
	case string:
		return bus.CodecString
	default:
		return bus.CodecJSON
	}
}

func encode(codecs *bus.CodecRegistry, subject, address string, body any, opts bus.DeliveryOptions) (*nats.Msg, error) {
	name := codecFor(opts.Codec, body)
	codec, err := codecs.Resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := codec.Marshal(body)
	if err != nil {
		return nil, errs.New("natsbus/encode", errs.CodeInvalid,
			errs.WithAddress(address),
			errs.WithField("codec", name),
			errs.WithCause(err))
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range opts.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(HeaderCodec, name)
	msg.Header.Set(HeaderAddress, address)
	return msg, nil
}

func decode(codecs *bus.CodecRegistry, msg *nats.Msg) (body any, codec string, headers map[string]string, err error) {
	headers = make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		if isReserved(k) || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}
	codec = msg.Header.Get(HeaderCodec)
	if codec == "" {
		return append([]byte(nil), msg.Data...), "", headers, nil
	}
	c, err := codecs.Resolve(codec)
	if err != nil {
		return nil, codec, headers, err
	}
	body, err = c.Unmarshal(msg.Data)
	if err != nil {
		return nil, codec, headers, errs.New("natsbus/decode", errs.CodeInvalid,
			errs.WithField("codec", codec),
			errs.WithCause(err))
	}
	return body, codec, headers, nil
}

func isReserved(key string) bool {
	switch key {
	case HeaderCodec, HeaderAddress, HeaderFailureCode, HeaderFailureReason, statusHeader:
		return true
	}
	return strings.HasPrefix(key, "Nats-")
}

func failureMsg(subject string, failure *bus.ReplyFailure) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderFailureCode, strconv.Itoa(failure.Code))
	msg.Header.Set(HeaderFailureReason, failure.Reason)
	msg.Header.Set(HeaderAddress, failure.Address)
	return msg
}

// failureFrom reports the negative reply carried by msg, if any.
func failureFrom(msg *nats.Msg) (*bus.ReplyFailure, bool) {
	raw := msg.Header.Get(HeaderFailureCode)
	if raw == "" {
		return nil, false
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		code = -1
	}
	return &bus.ReplyFailure{
		Code:    code,
		Reason:  msg.Header.Get(HeaderFailureReason),
		Address: msg.Header.Get(HeaderAddress),
	}, true
}

func noResponders(msg *nats.Msg) bool {
	return len(msg.Data) == 0 && msg.Header.Get(statusHeader) == statusNoResponder
}
