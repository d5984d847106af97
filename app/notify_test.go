package app

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
	"github.com/warp/accounting-engine/config"
	"github.com/warp/accounting-engine/notify"
)

func TestOpenNotify_ClosesHubWhenNATSFails(t *testing.T) {
	// GIVEN the "both" driver with an unreachable NATS server
	var created *notify.Hub
	orig := newHub
	newHub = func(buffer int, log zerolog.Logger) *notify.Hub {
		created = orig(buffer, log)
		return created
	}
	t.Cleanup(func() { newHub = orig })

	cfg := &config.Config{Notify: config.NotifyConfig{
		Driver:    config.NotifyBoth,
		NATSURL:   "nats://127.0.0.1:1",
		HubBuffer: 4,
	}}

	// WHEN the emitters are opened
	_, _, _, err := openNotify(cfg, zerolog.Nop())

	// THEN the error surfaces and the hub was closed
	require.Error(t, err)
	require.NotNil(t, created)
	ch, cancel := created.Subscribe(accounting.User("alice"))
	defer cancel()
	_, open := <-ch
	assert.False(t, open, "subscribing to a closed hub yields a closed channel")
}

func TestOpenNotify_HubOnly(t *testing.T) {
	cfg := &config.Config{Notify: config.NotifyConfig{Driver: config.NotifyHub, HubBuffer: 4}}

	emitter, hub, cleanup, err := openNotify(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, hub)
	assert.Same(t, hub, emitter, "a single emitter is not wrapped")
}
