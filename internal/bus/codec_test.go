package bus

import (
	"testing"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/busbridge/errs"
)

type upperCodec struct{ StringCodec }

func (upperCodec) Name() string { return "upper" }

func TestRegistryPreloadsBuiltins(t *testing.T) {
	r := NewCodecRegistry()
	require.Equal(t, []string{CodecBytes, CodecCloudEvents, CodecJSON, CodecString}, r.Names())
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewCodecRegistry()
	require.NoError(t, r.Register(upperCodec{}))

	c, err := r.Resolve(" upper ")
	require.NoError(t, err)
	require.Equal(t, "upper", c.Name())

	err = r.Register(upperCodec{})
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.True(t, errs.Is(r.Register(nil), errs.CodeInvalid))

	r.Unregister("upper")
	_, err = r.Resolve("upper")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestStringAndBytesCodecs(t *testing.T) {
	out, err := StringCodec{}.Transform([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, "abc", out)

	_, err = StringCodec{}.Marshal(12)
	require.Error(t, err)

	src := []byte{1, 2, 3}
	copied, err := BytesCodec{}.Transform(src)
	require.NoError(t, err)
	src[0] = 9
	require.Equal(t, []byte{1, 2, 3}, copied)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	data, err := JSONCodec{}.Marshal(point{X: 3, Y: 4})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":3,"y":4}`, string(data))

	decoded, err := JSONCodec{}.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": float64(3), "y": float64(4)}, decoded)

	copied, err := JSONCodec{}.Transform(point{X: 5, Y: 6})
	require.NoError(t, err)
	require.Equal(t, point{X: 5, Y: 6}, copied)

	none, err := JSONCodec{}.Transform(nil)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestCloudEventsCodecWrapsPayload(t *testing.T) {
	codec := NewCloudEventsCodec("tests")
	out, err := codec.Transform(point{X: 1, Y: 1})
	require.NoError(t, err)

	ev, ok := out.(event.Event)
	require.True(t, ok)
	require.Equal(t, "tests", ev.Source())
	require.NotEmpty(t, ev.ID())
	require.JSONEq(t, `{"x":1,"y":1}`, string(ev.Data()))

	data, err := codec.Marshal(ev)
	require.NoError(t, err)
	back, err := codec.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, ev.ID(), back.(event.Event).ID())
}
