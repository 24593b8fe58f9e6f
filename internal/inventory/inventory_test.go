package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleYAML = `
tunables:
  debounce_seconds: 4
  strict_identity: false
devices:
  - identifier: aa:bb:cc:dd:ee:ff
    identifier_type: mac
    alias: Alice Phone
    type: phone
    aliases:
      - 11:22:33:44:55:66
  - identifier: e2c56db5-dffb-48d2-b060-d0f5a71096e0
    identifier_type: uuid
    alias: Keys
    type: beacon
satellites:
  - id: kitchen-1
    room: Kitchen
    ref_rssi_1m: -61.5
  - id: hall-1
    room: Hallway
  - id: spare
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileSource_LoadOverlaysDefaults(t *testing.T) {
	src := NewFileSource(writeFile(t, sampleYAML))

	doc, err := src.Load(context.Background())
	require.NoError(t, err)

	assert.Len(t, doc.Devices, 2)
	assert.Len(t, doc.Satellites, 3)
	assert.Equal(t, 4.0, doc.Tunables.DebounceSeconds)
	assert.False(t, doc.Tunables.StrictIdentity)
	// 未出现的参数取默认值
	assert.Equal(t, config.DefaultTunables().SmoothingAlpha, doc.Tunables.SmoothingAlpha)
	require.NotNil(t, doc.Satellites[0].ReferenceRSSI)
	assert.Equal(t, -61.5, *doc.Satellites[0].ReferenceRSSI)
}

func TestNewSnapshot_CanonicalizesAndResolvesAliases(t *testing.T) {
	doc, err := NewFileSource(writeFile(t, sampleYAML)).Load(context.Background())
	require.NoError(t, err)

	snap, err := NewSnapshot(doc, time.Unix(0, 0))
	require.NoError(t, err)

	dev, ok := snap.Lookup("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	assert.Equal(t, "Alice Phone", dev.Alias)

	// 轮换 MAC 通过显式别名映射到同一设备
	dev, ok = snap.Lookup("11:22:33:44:55:66")
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", dev.Key)

	dev, ok = snap.Lookup("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0")
	require.True(t, ok)
	assert.Equal(t, models.KindBeaconUUID, dev.Kind)

	assert.Equal(t, "Kitchen", snap.Room("kitchen-1"))
	assert.Equal(t, "", snap.Room("spare"))
	assert.Equal(t, "", snap.Room("unknown"))
	assert.Equal(t, map[string]float64{"kitchen-1": -61.5}, snap.References())

	list := snap.DeviceList()
	require.Len(t, list, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", list[0].Key)
}

func TestNewSnapshot_RejectsDuplicates(t *testing.T) {
	doc := &Document{
		Tunables: config.DefaultTunables(),
		Devices: []models.DeviceIdentity{
			{Key: "aa:bb:cc:dd:ee:ff", Alias: "a"},
			{Key: "AA-BB-CC-DD-EE-FF", Alias: "b"},
		},
	}
	_, err := NewSnapshot(doc, time.Now())
	assert.Error(t, err)
}

func TestNewSnapshot_RejectsInvalidTunables(t *testing.T) {
	tun := config.DefaultTunables()
	tun.SmoothingAlpha = 0
	_, err := NewSnapshot(&Document{Tunables: tun}, time.Now())
	assert.True(t, errors.Is(err, config.ErrInvalidTunables))
}

func TestNewSnapshot_FingerprintStable(t *testing.T) {
	doc, err := NewFileSource(writeFile(t, sampleYAML)).Load(context.Background())
	require.NoError(t, err)

	a, err := NewSnapshot(doc, time.Unix(1, 0))
	require.NoError(t, err)
	b, err := NewSnapshot(doc, time.Unix(2, 0))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.DevicesFingerprint, b.DevicesFingerprint)

	doc.Satellites[1].Room = "Office"
	c, err := NewSnapshot(doc, time.Unix(3, 0))
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
	assert.Equal(t, a.DevicesFingerprint, c.DevicesFingerprint)
}

func TestFileSource_UpdateCalibrationAndRegister(t *testing.T) {
	path := writeFile(t, sampleYAML)
	src := NewFileSource(path)
	ctx := context.Background()

	require.NoError(t, src.UpdateCalibration(ctx, "hall-1", -58))
	require.NoError(t, src.RegisterSatellite(ctx, "garage-1"))
	require.NoError(t, src.RegisterSatellite(ctx, "kitchen-1"))
	assert.Error(t, src.UpdateCalibration(ctx, "nope", -60))

	doc, err := src.Load(ctx)
	require.NoError(t, err)
	// 写回不改变 tunables 和设备列表
	assert.Equal(t, 4.0, doc.Tunables.DebounceSeconds)
	assert.False(t, doc.Tunables.StrictIdentity)
	assert.Len(t, doc.Devices, 2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "tunables:")
	assert.Contains(t, string(raw), "debounce_seconds: 4")

	byID := map[string]models.Satellite{}
	for _, s := range doc.Satellites {
		byID[s.ID] = s
	}
	require.Len(t, byID, 4)
	require.NotNil(t, byID["hall-1"].ReferenceRSSI)
	assert.Equal(t, -58.0, *byID["hall-1"].ReferenceRSSI)
	assert.False(t, byID["garage-1"].Assigned())
	assert.Equal(t, "Kitchen", byID["kitchen-1"].Room)
}

func TestFileSource_RegisterAddsSatellitesSection(t *testing.T) {
	path := writeFile(t, "# hub inventory\ntunables:\n  keepalive_seconds: 7\n")
	src := NewFileSource(path)
	ctx := context.Background()

	require.NoError(t, src.RegisterSatellite(ctx, "attic-1"))

	doc, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, doc.Tunables.KeepaliveSeconds)
	require.Len(t, doc.Satellites, 1)
	assert.Equal(t, "attic-1", doc.Satellites[0].ID)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# hub inventory")
}

func TestApplySettings(t *testing.T) {
	out, err := ApplySettings(config.DefaultTunables(), map[string]string{
		"hysteresis_margin_db": "4.5",
		"strict_identity":      "false",
		"max_window_samples":   "20",
	})
	require.NoError(t, err)
	assert.Equal(t, 4.5, out.HysteresisMarginDB)
	assert.False(t, out.StrictIdentity)
	assert.Equal(t, 20, out.MaxWindowSamples)
	assert.Equal(t, 0.2, out.SmoothingAlpha)

	out, err = ApplySettings(config.DefaultTunables(), map[string]string{"strict_identity": "0"})
	require.NoError(t, err)
	assert.False(t, out.StrictIdentity)
	out, err = ApplySettings(out, map[string]string{"strict_identity": "1"})
	require.NoError(t, err)
	assert.True(t, out.StrictIdentity)

	_, err = ApplySettings(config.DefaultTunables(), map[string]string{"strict_identity": "maybe"})
	assert.True(t, errors.Is(err, config.ErrInvalidTunables))

	_, err = ApplySettings(config.DefaultTunables(), map[string]string{"bogus": "1"})
	assert.True(t, errors.Is(err, config.ErrInvalidTunables))

	_, err = ApplySettings(config.DefaultTunables(), map[string]string{"max_window_samples": "abc"})
	assert.True(t, errors.Is(err, config.ErrInvalidTunables))
}

type stubSource struct {
	doc *Document
	err error
}

func (s *stubSource) Load(ctx context.Context) (*Document, error) {
	return s.doc, s.err
}

func TestReloader_SwapsOnlyOnChange(t *testing.T) {
	src := &stubSource{doc: &Document{
		Tunables:   config.DefaultTunables(),
		Satellites: []models.Satellite{{ID: "s1", Room: "Kitchen"}},
	}}
	holder := NewHolder(nil)
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	r := NewReloader(src, holder, time.Second, clock, zap.NewNop())

	var calls int
	r.OnChange(func(prev, next *Snapshot) {
		calls++
		assert.NotNil(t, prev)
		assert.Equal(t, "Kitchen", next.Room("s1"))
	})

	changed, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, calls)

	changed, err = r.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, calls)
}

func TestReloader_KeepsPreviousOnInvalid(t *testing.T) {
	good := &Document{Tunables: config.DefaultTunables(), Satellites: []models.Satellite{{ID: "s1", Room: "Kitchen"}}}
	src := &stubSource{doc: good}
	holder := NewHolder(nil)
	r := NewReloader(src, holder, time.Second, timeutil.RealClock{}, zap.NewNop())

	_, err := r.Reload(context.Background())
	require.NoError(t, err)

	bad := config.DefaultTunables()
	bad.DeviceExpirationSeconds = 1
	src.doc = &Document{Tunables: bad}
	_, err = r.Reload(context.Background())
	assert.True(t, errors.Is(err, config.ErrInvalidTunables))
	assert.Equal(t, "Kitchen", holder.Load().Room("s1"))

	src.err = errors.New("db down")
	_, err = r.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "Kitchen", holder.Load().Room("s1"))
}
