package identity

import (
	"errors"
	"testing"
	"time"

	"wisefido-presence/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapDirectory map[string]models.DeviceIdentity

func (m mapDirectory) Lookup(key string) (models.DeviceIdentity, bool) {
	d, ok := m[key]
	return d, ok
}

func TestCanonicalize_MAC(t *testing.T) {
	for _, raw := range []string{"aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "aabb.ccdd.eeff", "aabbccddeeff"} {
		key, kind, err := Canonicalize(raw, "")
		require.NoError(t, err, raw)
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", key)
		assert.Equal(t, models.KindMAC, kind)
	}
}

func TestCanonicalize_UUID(t *testing.T) {
	for _, raw := range []string{
		"e2c56db5-dffb-48d2-b060-d0f5a71096e0",
		"E2C56DB5DFFB48D2B060D0F5A71096E0",
	} {
		key, kind, err := Canonicalize(raw, "")
		require.NoError(t, err, raw)
		assert.Equal(t, "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", key)
		assert.Equal(t, models.KindBeaconUUID, kind)
	}
}

func TestCanonicalize_KindMismatch(t *testing.T) {
	_, _, err := Canonicalize("e2c56db5-dffb-48d2-b060-d0f5a71096e0", models.KindMAC)
	assert.True(t, errors.Is(err, ErrMalformedIdentity))

	_, _, err = Canonicalize("aa:bb:cc:dd:ee:ff", models.KindBeaconUUID)
	assert.True(t, errors.Is(err, ErrMalformedIdentity))
}

func TestCanonicalize_Malformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "not-an-id", "aa:bb:cc"} {
		_, _, err := Canonicalize(raw, "")
		assert.True(t, errors.Is(err, ErrMalformedIdentity), raw)
	}
	_, _, err := Canonicalize("aa:bb:cc:dd:ee:ff", "eddystone")
	assert.True(t, errors.Is(err, ErrMalformedIdentity))
}

func TestNormalizer_KnownDevice(t *testing.T) {
	health := NewHealthTracker()
	n := NewNormalizer(health)
	dir := mapDirectory{"AA:BB:CC:DD:EE:FF": {Key: "AA:BB:CC:DD:EE:FF", Alias: "Phone"}}
	now := time.Unix(1000, 0)

	res, err := n.Normalize(dir, models.RawReport{SatelliteID: "sat-1", Identifier: "aa-bb-cc-dd-ee-ff"}, now, true)
	require.NoError(t, err)
	assert.True(t, res.Known)
	assert.True(t, res.NewSatellite)
	assert.Equal(t, "Phone", res.Identity.Alias)

	seen, ok := health.LastSeen("sat-1")
	require.True(t, ok)
	assert.Equal(t, now, seen)
}

func TestNormalizer_StrictDropsUnknown(t *testing.T) {
	health := NewHealthTracker()
	n := NewNormalizer(health)

	res, err := n.Normalize(mapDirectory{}, models.RawReport{SatelliteID: "sat-1", Identifier: "11:22:33:44:55:66"}, time.Unix(1, 0), true)
	assert.True(t, errors.Is(err, ErrUnknownIdentity))
	assert.Equal(t, "11:22:33:44:55:66", res.Canonical)

	// 健康时间仍然刷新
	_, ok := health.LastSeen("sat-1")
	assert.True(t, ok)
}

func TestNormalizer_OpenModeEphemeral(t *testing.T) {
	n := NewNormalizer(NewHealthTracker())

	res, err := n.Normalize(mapDirectory{}, models.RawReport{SatelliteID: "sat-1", Identifier: "11:22:33:44:55:66"}, time.Unix(1, 0), false)
	require.NoError(t, err)
	assert.False(t, res.Known)
	assert.True(t, res.Identity.Ephemeral)
	assert.Equal(t, "11:22:33:44:55:66", res.Identity.Key)
}

func TestNormalizer_MalformedStillTouchesHealth(t *testing.T) {
	health := NewHealthTracker()
	n := NewNormalizer(health)

	_, err := n.Normalize(mapDirectory{}, models.RawReport{SatelliteID: "sat-2", Identifier: "garbage"}, time.Unix(1, 0), false)
	assert.True(t, errors.Is(err, ErrMalformedIdentity))
	_, ok := health.LastSeen("sat-2")
	assert.True(t, ok)
}

func TestHealthTracker_TouchKeepsNewest(t *testing.T) {
	h := NewHealthTracker()
	assert.True(t, h.Touch("sat", time.Unix(10, 0)))
	assert.False(t, h.Touch("sat", time.Unix(5, 0)))

	seen, _ := h.LastSeen("sat")
	assert.Equal(t, time.Unix(10, 0), seen)
	assert.Len(t, h.Snapshot(), 1)
}
