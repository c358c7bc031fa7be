package conditions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/tether/internal/util"
)

func TestFileProviderDefaultsWhenFileMissing(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "conditions.json"), time.Minute)
	defer p.Close()

	// Unknown battery reads as full so nothing backs off prematurely.
	s := p.Current()
	require.Equal(t, 100, s.BatteryLevel)
	require.False(t, s.IsCharging)
}

func TestFileProviderReadsExistingSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conditions.json")
	require.NoError(t, util.WriteJSONFile(path, Snapshot{
		BatteryLevel: 42, IsCharging: true, IsOnWifi: true,
	}))

	p := NewFileProvider(path, time.Minute)
	defer p.Close()

	s := p.Current()
	require.Equal(t, 42, s.BatteryLevel)
	require.True(t, s.IsCharging)
	require.True(t, s.IsOnWifi)
}

func TestFileProviderNotifiesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conditions.json")
	require.NoError(t, util.WriteJSONFile(path, Snapshot{BatteryLevel: 80}))

	p := NewFileProvider(path, time.Minute)
	defer p.Close()
	require.NoError(t, p.Start())

	ch, cancel := p.Subscribe()
	defer cancel()

	require.NoError(t, util.WriteJSONFile(path, Snapshot{BatteryLevel: 15}))

	select {
	case s := <-ch:
		require.Equal(t, 15, s.BatteryLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot update after file write")
	}
	require.Equal(t, 15, p.Current().BatteryLevel)
}

func TestFileProviderKeepsLastSnapshotOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conditions.json")
	require.NoError(t, util.WriteJSONFile(path, Snapshot{BatteryLevel: 60}))

	p := NewFileProvider(path, time.Minute)
	defer p.Close()
	require.Equal(t, 60, p.Current().BatteryLevel)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	p.reload()
	require.Equal(t, 60, p.Current().BatteryLevel)
}

func TestTimeSinceActivity(t *testing.T) {
	now := time.Now()

	s := Snapshot{LastUserActivityAt: now.Add(-30 * time.Second).UnixMilli()}
	got := s.TimeSinceActivity(now)
	require.InDelta(t, (30 * time.Second).Seconds(), got.Seconds(), 1)

	// No recorded activity reads as "very long ago", never as "just now".
	require.Greater(t, Snapshot{}.TimeSinceActivity(now), 24*time.Hour)
}

func TestStaticProviderSetNotifies(t *testing.T) {
	p := NewStaticProvider(Snapshot{BatteryLevel: 50})
	ch, cancel := p.Subscribe()
	defer cancel()

	p.Set(Snapshot{BatteryLevel: 10})
	select {
	case s := <-ch:
		require.Equal(t, 10, s.BatteryLevel)
	case <-time.After(time.Second):
		t.Fatal("no notification from Set")
	}
	require.Equal(t, 10, p.Current().BatteryLevel)
}
