package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamValue(t *testing.T) {
	cases := map[string]interface{}{
		"abc":          "abc",
		"42":           42,
		"-7":           int64(-7),
		"1.5":          1.5,
		"true":         true,
		`{"room":"a"}`: map[string]string{"room": "a"},
	}
	for want, in := range cases {
		got, err := streamValue(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPublishJSONToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	id, err := PublishJSONToStream(ctx, client, "presence:events", 100, map[string]string{"device_id": "AA:BB"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "presence:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &payload))
	assert.Equal(t, "AA:BB", payload["device_id"])
}
