package devicestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsert_CreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{
		Hostname:  "nas1",
		IPAddress: "10.0.0.5",
		Username:  "admin",
		Role:      RoleStorageDevice,
	}, false)
	require.NoError(t, err)
	require.Equal(t, Created, res.Outcome)
	require.EqualValues(t, 1, res.Version)

	res2, err := s.Upsert(ctx, Device{
		Hostname:  "nas1",
		IPAddress: "10.0.0.5",
		Notes:     "rack 2",
	}, false)
	require.NoError(t, err)
	require.Equal(t, Updated, res2.Outcome)
	require.EqualValues(t, 2, res2.Version)
	require.Equal(t, "admin", res2.Device.Username, "non-null-wins merge must keep existing username")
	require.Equal(t, "rack 2", res2.Device.Notes)
}

func TestUpsert_RoleChangeRecordsHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{Hostname: "h1", Role: RoleUnknown}, false)
	require.NoError(t, err)

	_, err = s.Upsert(ctx, Device{Hostname: "h1", Role: RoleServiceHost}, false)
	require.NoError(t, err)

	hist, err := s.History(ctx, res.Device.ID, nil)
	require.NoError(t, err)
	require.True(t, len(hist) >= 2)
	require.Equal(t, HistCreated, hist[0].Kind)
	require.Equal(t, HistRoleChanged, hist[len(hist)-1].Kind)
}

func TestGet_ByHostnameAndID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{Hostname: "pi1", IPAddress: "10.0.0.9"}, false)
	require.NoError(t, err)

	byID, err := s.Get(ctx, res.Device.ID, "", "")
	require.NoError(t, err)
	require.Equal(t, "pi1", byID.Hostname)

	byHost, err := s.Get(ctx, 0, "pi1", "")
	require.NoError(t, err)
	require.Equal(t, res.Device.ID, byHost.ID)
}

func TestList_FiltersByRole(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Upsert(ctx, Device{Hostname: "a", Role: RoleServiceHost}, false)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Device{Hostname: "b", Role: RoleNetworkDevice}, false)
	require.NoError(t, err)

	devices, err := s.List(ctx, Filter{Role: RoleServiceHost})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "a", devices[0].Hostname)
}

func TestRecordAndForgetService(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{Hostname: "svc1"}, false)
	require.NoError(t, err)

	err = s.RecordService(ctx, res.Device.ID, InstalledService{
		ServiceName:  "plex",
		Method:       MethodDockerCompose,
		ConfigDigest: "abc123",
		InstalledAt:  time.Now().UTC(),
		Health:       HealthHealthy,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, res.Device.ID, "", "")
	require.NoError(t, err)
	require.Len(t, got.Services, 1)
	require.Equal(t, "plex", got.Services[0].ServiceName)

	err = s.ForgetService(ctx, res.Device.ID, "plex")
	require.NoError(t, err)

	got2, err := s.Get(ctx, res.Device.ID, "", "")
	require.NoError(t, err)
	require.Len(t, got2.Services, 0)
}

func TestDelete_RemovesDeviceAndServices(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{Hostname: "tmp1"}, false)
	require.NoError(t, err)

	err = s.Delete(ctx, res.Device.ID)
	require.NoError(t, err)

	_, err = s.Get(ctx, res.Device.ID, "", "")
	require.Error(t, err)
}

func TestIsStale_NilLastDiscoveryIsImmediatelyStale(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{Hostname: "fresh1"}, false)
	require.NoError(t, err)

	stale, err := s.IsStale(ctx, res.Device.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, stale, "device with nil last_discovery_at must be immediately stale")
}

func TestIsStale_RecentDiscoveryIsNotStale(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{Hostname: "fresh2"}, false)
	require.NoError(t, err)

	marked, err := s.MarkRefreshing(ctx, res.Device.ID)
	require.NoError(t, err)
	require.True(t, marked)

	err = s.MarkRefreshed(ctx, res.Device.ID, true)
	require.NoError(t, err)

	stale, err := s.IsStale(ctx, res.Device.ID, time.Hour)
	require.NoError(t, err)
	require.False(t, stale)
}

func TestMarkRefreshing_OnlyOneInFlight(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	res, err := s.Upsert(ctx, Device{Hostname: "locked1"}, false)
	require.NoError(t, err)

	first, err := s.MarkRefreshing(ctx, res.Device.ID)
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.MarkRefreshing(ctx, res.Device.ID)
	require.NoError(t, err)
	require.False(t, second, "a second concurrent refresh must be rejected")

	require.NoError(t, s.MarkRefreshed(ctx, res.Device.ID, false))

	third, err := s.MarkRefreshing(ctx, res.Device.ID)
	require.NoError(t, err)
	require.True(t, third, "lock must be released after mark_refreshed")
}

func TestStalenessScanner_PublishesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := openTestStore(t)
	_, err := s.Upsert(ctx, Device{Hostname: "scan1"}, false)
	require.NoError(t, err)

	scanner := NewStalenessScanner(s, time.Hour, 20*time.Millisecond)
	scanner.Start(ctx)
	defer scanner.Stop()

	select {
	case ev := <-scanner.Events():
		require.Equal(t, "scan1", ev.Hostname)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stale device event")
	}
}
