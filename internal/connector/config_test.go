package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/busbridge/errs"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig("orders", map[string]any{KeyAddress: " orders.in "})
	require.NoError(t, err)
	require.Equal(t, "orders", cfg.Channel())
	require.Equal(t, "orders.in", cfg.Address())
	require.False(t, cfg.Publish())
	require.False(t, cfg.ExpectReply())
	require.False(t, cfg.Multicast())
	require.Empty(t, cfg.Codec())
	require.Equal(t, DefaultReplyTimeout, cfg.ReplyTimeout())
	require.Equal(t, DefaultBufferSize, cfg.BufferSize())
	require.Equal(t, OverflowFail, cfg.OverflowStrategy())
	require.Zero(t, cfg.Throttle())
	require.Equal(t, DefaultThrottleBurst, cfg.ThrottleBurst())
}

func TestParseConfigAcceptsTypedAndTextualValues(t *testing.T) {
	typed, err := ParseConfig("a", map[string]any{
		KeyAddress:          "a",
		KeyExpectReply:      true,
		KeyCodec:            "json",
		KeyReplyTimeout:     2 * time.Second,
		KeyBufferSize:       16,
		KeyOverflowStrategy: "drop-oldest",
		KeyThrottle:         12.5,
		KeyThrottleBurst:    3,
		"unknown":           struct{}{},
	})
	require.NoError(t, err)

	textual, err := ParseConfig("a", map[string]any{
		KeyAddress:          "a",
		KeyExpectReply:      "true",
		KeyCodec:            "json",
		KeyReplyTimeout:     "2s",
		KeyBufferSize:       "16",
		KeyOverflowStrategy: "DROP-OLDEST",
		KeyThrottle:         "12.5",
		KeyThrottleBurst:    "3",
	})
	require.NoError(t, err)
	require.Equal(t, typed, textual)
	require.Equal(t, OverflowDropOldest, typed.OverflowStrategy())
	require.Equal(t, 2*time.Second, typed.ReplyTimeout())
}

func TestParseConfigIntegerDurationsAreMilliseconds(t *testing.T) {
	cfg, err := ParseConfig("", map[string]any{KeyAddress: "a", KeyReplyTimeout: 250})
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.ReplyTimeout())
	require.Equal(t, "a", cfg.Channel())
}

func TestParseConfigRejectsInvalidCombinations(t *testing.T) {
	cases := []struct {
		name    string
		options map[string]any
	}{
		{"missing address", map[string]any{}},
		{"blank address", map[string]any{KeyAddress: "   "}},
		{"publish with expect-reply", map[string]any{KeyAddress: "a", KeyPublish: true, KeyExpectReply: true}},
		{"negative buffer", map[string]any{KeyAddress: "a", KeyBufferSize: -1}},
		{"unknown overflow", map[string]any{KeyAddress: "a", KeyOverflowStrategy: "block"}},
		{"negative throttle", map[string]any{KeyAddress: "a", KeyThrottle: -1.0}},
		{"bad bool", map[string]any{KeyAddress: "a", KeyPublish: "sometimes"}},
		{"bad duration", map[string]any{KeyAddress: "a", KeyReplyTimeout: "soon"}},
		{"wrong type", map[string]any{KeyAddress: 12}},
		{"fractional int", map[string]any{KeyAddress: "a", KeyBufferSize: 1.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig("ch", tc.options)
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeInvalid), "unexpected error %v", err)
		})
	}
}

func TestZeroConfigIsInvalid(t *testing.T) {
	require.True(t, errs.Is(Config{}.Validate(), errs.CodeInvalid))
}
