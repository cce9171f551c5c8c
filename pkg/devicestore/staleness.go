package devicestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// IsStale decides whether a device is due for a background refresh.
//
// Open Question resolution (spec §9): a device whose last_discovery_at is
// null is treated as immediately stale, not as fresh-until-first-discovery
// -- it carries no trustworthy facts yet, so any requirement check or
// install plan must refresh it first. This is decided once, here, and
// nowhere else in the codebase re-derives staleness.
func (s *Store) IsStale(ctx context.Context, deviceID int64, threshold time.Duration) (bool, error) {
	var lastDiscovery sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_discovery_at FROM devices WHERE id = ?`, deviceID).Scan(&lastDiscovery)
	if err != nil {
		return false, fmt.Errorf("devicestore: is_stale: %w", err)
	}
	if !lastDiscovery.Valid || lastDiscovery.String == "" {
		return true, nil
	}
	t, err := time.Parse(time.RFC3339Nano, lastDiscovery.String)
	if err != nil {
		return true, nil
	}
	return time.Since(t) > threshold, nil
}

// MarkRefreshing records an in-flight refresh for deviceID, returning
// false if one is already in flight (spec §4.2: "at most one refresh in
// flight per device").
func (s *Store) MarkRefreshing(ctx context.Context, deviceID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_locks (device_id, started_at) VALUES (?, ?) ON CONFLICT(device_id) DO NOTHING`,
		deviceID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("devicestore: mark_refreshing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRefreshed clears the in-flight marker and, on successful outcome,
// bumps last_discovery_at to now.
func (s *Store) MarkRefreshed(ctx context.Context, deviceID int64, succeeded bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_locks WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("devicestore: mark_refreshed: clear lock: %w", err)
	}
	if succeeded {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET last_discovery_at = ? WHERE id = ?`, now, deviceID); err != nil {
			return fmt.Errorf("devicestore: mark_refreshed: update: %w", err)
		}
		if err := appendHistory(ctx, tx, deviceID, HistDiscovered, map[string]any{"refreshed_at": now}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// StaleDeviceEvent is published on the bus when the background scanner
// finds a device due for refresh.
type StaleDeviceEvent struct {
	DeviceID int64
	Hostname string
}

// StalenessScanner periodically scans the store for stale devices and
// publishes events on a buffered channel, analogous in shape to the
// teacher's single long-lived background goroutine for health serving
// (pkg/mcp/mcp.go's startHealthServer).
type StalenessScanner struct {
	store     *Store
	threshold time.Duration
	interval  time.Duration
	events    chan StaleDeviceEvent
	done      chan struct{}
}

func NewStalenessScanner(store *Store, threshold, interval time.Duration) *StalenessScanner {
	return &StalenessScanner{
		store:     store,
		threshold: threshold,
		interval:  interval,
		events:    make(chan StaleDeviceEvent, 64),
		done:      make(chan struct{}),
	}
}

// Events returns the channel discovery handlers subscribe to.
func (s *StalenessScanner) Events() <-chan StaleDeviceEvent { return s.events }

func (s *StalenessScanner) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *StalenessScanner) Stop() { close(s.done) }

func (s *StalenessScanner) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *StalenessScanner) scanOnce(ctx context.Context) {
	devices, err := s.store.List(ctx, Filter{})
	if err != nil {
		klog.Errorf("devicestore: staleness scan failed: %v", err)
		return
	}
	for _, d := range devices {
		stale, err := s.store.IsStale(ctx, d.ID, s.threshold)
		if err != nil || !stale {
			continue
		}
		select {
		case s.events <- StaleDeviceEvent{DeviceID: d.ID, Hostname: d.Hostname}:
		default:
			klog.V(1).Infof("devicestore: staleness event channel full, dropping event for device %d", d.ID)
		}
	}
}
