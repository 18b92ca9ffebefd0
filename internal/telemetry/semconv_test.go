package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeliveryAttributesCarryEnvironment(t *testing.T) {
	SetEnvironment("  STAGING ")
	t.Cleanup(func() { SetEnvironment("") })

	attrs := DeliveryAttributes("memory", "orders", ModeSend, "success")
	values := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		values[string(kv.Key)] = kv.Value.AsString()
	}
	require.Equal(t, "staging", values["environment"])
	require.Equal(t, "memory", values["bus.transport"])
	require.Equal(t, "orders", values["bus.address"])
	require.Equal(t, "send", values["bus.mode"])
	require.Equal(t, "success", values["result"])
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())
}

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "dev"

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Equal(t, "dev", Environment())
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
