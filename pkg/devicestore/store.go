package devicestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the C2 Device Store. A single process writer is assumed, as in
// spec §4.2. The database runs in WAL journal mode, but the pool holds a
// single connection, so reads and writes are serialized through it: a
// read waits while a write transaction is open, and a write waits for a
// running read.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("devicestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer assumption (spec §4.2)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("devicestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert implements spec §4.2's merge semantics: non-null discovered
// facts win over existing ones; explicit nulls are ignored unless
// resetFields is set.
func (s *Store) Upsert(ctx context.Context, d Device, resetFields bool) (*UpsertResult, error) {
	if d.Hostname == "" && d.IPAddress == "" {
		return nil, fmt.Errorf("devicestore: upsert requires hostname or ip_address")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("devicestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := findInTx(ctx, tx, d.Hostname, d.IPAddress)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var result UpsertResult

	if existing == nil {
		d.CreatedAt = now
		d.LastSeenAt = now
		d.Version = 1
		if d.Role == "" {
			d.Role = RoleUnknown
		}
		factsJSON, _ := json.Marshal(d.Facts)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO devices (hostname, ip_address, username, auth_kind, cred_ref, facts_json, role,
				excluded_from_deployments, notes, created_at, last_seen_at, last_discovery_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			nullable(d.Hostname), nullable(d.IPAddress), d.Username, string(d.AuthKind), d.CredRef,
			string(factsJSON), string(d.Role), boolToInt(d.ExcludedFromDeployments), d.Notes,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), nullableTime(d.LastDiscoveryAt))
		if err != nil {
			return nil, fmt.Errorf("devicestore: insert device: %w", err)
		}
		id, _ := res.LastInsertId()
		d.ID = id

		if err := appendHistory(ctx, tx, id, HistCreated, d); err != nil {
			return nil, err
		}
		result = UpsertResult{Outcome: Created, Version: 1, Device: d}
	} else {
		merged := mergeDevice(*existing, d, resetFields)
		merged.Version = existing.Version + 1
		merged.LastSeenAt = now
		factsJSON, _ := json.Marshal(merged.Facts)

		_, err := tx.ExecContext(ctx, `
			UPDATE devices SET hostname=?, ip_address=?, username=?, auth_kind=?, cred_ref=?, facts_json=?,
				role=?, excluded_from_deployments=?, notes=?, last_seen_at=?, last_discovery_at=?, version=?
			WHERE id=?`,
			nullable(merged.Hostname), nullable(merged.IPAddress), merged.Username, string(merged.AuthKind),
			merged.CredRef, string(factsJSON), string(merged.Role), boolToInt(merged.ExcludedFromDeployments),
			merged.Notes, now.Format(time.RFC3339Nano), nullableTime(merged.LastDiscoveryAt), merged.Version, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("devicestore: update device: %w", err)
		}

		kind := HistUpdated
		if merged.Role != existing.Role {
			kind = HistRoleChanged
		}
		if err := appendHistory(ctx, tx, existing.ID, kind, diffOf(*existing, merged)); err != nil {
			return nil, err
		}
		merged.ID = existing.ID
		result = UpsertResult{Outcome: Updated, Version: merged.Version, Device: merged}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("devicestore: commit: %w", err)
	}
	return &result, nil
}

func mergeDevice(existing, incoming Device, reset bool) Device {
	out := existing
	if incoming.Hostname != "" {
		out.Hostname = incoming.Hostname
	}
	if incoming.IPAddress != "" {
		out.IPAddress = incoming.IPAddress
	}
	if incoming.Username != "" {
		out.Username = incoming.Username
	}
	if incoming.AuthKind != "" {
		out.AuthKind = incoming.AuthKind
	}
	if incoming.CredRef != "" {
		out.CredRef = incoming.CredRef
	}
	if incoming.Role != "" {
		out.Role = incoming.Role
	}
	if incoming.Notes != "" || reset {
		out.Notes = incoming.Notes
	}
	out.ExcludedFromDeployments = incoming.ExcludedFromDeployments

	if incoming.Facts != nil {
		out.Facts = incoming.Facts
	} else if reset {
		out.Facts = nil
	}
	if incoming.LastDiscoveryAt != nil {
		out.LastDiscoveryAt = incoming.LastDiscoveryAt
	}
	return out
}

func diffOf(before, after Device) json.RawMessage {
	payload := map[string]any{"before_version": before.Version, "after_version": after.Version}
	b, _ := json.Marshal(payload)
	return b
}

func appendHistory(ctx context.Context, tx *sql.Tx, deviceID int64, kind HistoryKind, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("devicestore: marshal history payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO device_history (device_id, timestamp, kind, diff_payload) VALUES (?, ?, ?, ?)`,
		deviceID, time.Now().UTC().Format(time.RFC3339Nano), string(kind), string(b))
	if err != nil {
		return fmt.Errorf("devicestore: append history: %w", err)
	}
	return nil
}

// Get retrieves a device by id, hostname, or ip address (first match wins
// in that priority order).
func (s *Store) Get(ctx context.Context, id int64, hostname, ip string) (*Device, error) {
	var row *sql.Row
	switch {
	case id != 0:
		row = s.db.QueryRowContext(ctx, deviceSelectSQL+" WHERE id = ?", id)
	case hostname != "":
		row = s.db.QueryRowContext(ctx, deviceSelectSQL+" WHERE hostname = ?", hostname)
	case ip != "":
		row = s.db.QueryRowContext(ctx, deviceSelectSQL+" WHERE ip_address = ?", ip)
	default:
		return nil, fmt.Errorf("devicestore: get requires id, hostname, or ip")
	}
	d, err := scanDevice(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachServices(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func findInTx(ctx context.Context, tx *sql.Tx, hostname, ip string) (*Device, error) {
	var row *sql.Row
	switch {
	case hostname != "" && ip != "":
		row = tx.QueryRowContext(ctx, deviceSelectSQL+" WHERE hostname = ? OR ip_address = ?", hostname, ip)
	case hostname != "":
		row = tx.QueryRowContext(ctx, deviceSelectSQL+" WHERE hostname = ?", hostname)
	case ip != "":
		row = tx.QueryRowContext(ctx, deviceSelectSQL+" WHERE ip_address = ?", ip)
	default:
		return nil, nil
	}
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

const deviceSelectSQL = `SELECT id, hostname, ip_address, username, auth_kind, cred_ref, facts_json, role,
	excluded_from_deployments, notes, created_at, last_seen_at, last_discovery_at, version FROM devices`

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var hostname, ip, factsJSON, lastDiscovery sql.NullString
	var excluded int
	var createdAt, lastSeenAt string

	err := row.Scan(&d.ID, &hostname, &ip, &d.Username, &d.AuthKind, &d.CredRef, &factsJSON, &d.Role,
		&excluded, &d.Notes, &createdAt, &lastSeenAt, &lastDiscovery, &d.Version)
	if err != nil {
		return nil, err
	}
	d.Hostname = hostname.String
	d.IPAddress = ip.String
	d.ExcludedFromDeployments = excluded != 0
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeenAt)
	if lastDiscovery.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastDiscovery.String)
		d.LastDiscoveryAt = &t
	}
	if factsJSON.Valid && factsJSON.String != "" && factsJSON.String != "null" {
		var f Facts
		if err := json.Unmarshal([]byte(factsJSON.String), &f); err == nil {
			d.Facts = &f
		}
	}
	return &d, nil
}

func (s *Store) attachServices(ctx context.Context, d *Device) error {
	rows, err := s.db.QueryContext(ctx, `SELECT service_name, version, method, ports_json, config_digest,
		installed_at, health, deployment_dir FROM installed_services WHERE device_id = ?`, d.ID)
	if err != nil {
		return fmt.Errorf("devicestore: load services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var svc InstalledService
		var portsJSON, deploymentDir sql.NullString
		var installedAt string
		if err := rows.Scan(&svc.ServiceName, &svc.Version, &svc.Method, &portsJSON, &svc.ConfigDigest,
			&installedAt, &svc.Health, &deploymentDir); err != nil {
			return fmt.Errorf("devicestore: scan service: %w", err)
		}
		svc.InstalledAt, _ = time.Parse(time.RFC3339Nano, installedAt)
		svc.DeploymentDir = deploymentDir.String
		if portsJSON.Valid {
			_ = json.Unmarshal([]byte(portsJSON.String), &svc.Ports)
		}
		d.Services = append(d.Services, svc)
	}
	return rows.Err()
}

// List returns devices matching filter.
func (s *Store) List(ctx context.Context, filter Filter) ([]Device, error) {
	var clauses []string
	var args []any
	if filter.Role != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, string(filter.Role))
	}
	if filter.ExcludedOnly {
		clauses = append(clauses, "excluded_from_deployments = 1")
	}
	if filter.HostnameContains != "" {
		clauses = append(clauses, "hostname LIKE ?")
		args = append(args, "%"+filter.HostnameContains+"%")
	}
	query := deviceSelectSQL
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("devicestore: list: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDeviceRows(rows *sql.Rows) (*Device, error) {
	var d Device
	var hostname, ip, factsJSON, lastDiscovery sql.NullString
	var excluded int
	var createdAt, lastSeenAt string

	err := rows.Scan(&d.ID, &hostname, &ip, &d.Username, &d.AuthKind, &d.CredRef, &factsJSON, &d.Role,
		&excluded, &d.Notes, &createdAt, &lastSeenAt, &lastDiscovery, &d.Version)
	if err != nil {
		return nil, err
	}
	d.Hostname = hostname.String
	d.IPAddress = ip.String
	d.ExcludedFromDeployments = excluded != 0
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeenAt)
	if lastDiscovery.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastDiscovery.String)
		d.LastDiscoveryAt = &t
	}
	if factsJSON.Valid && factsJSON.String != "" && factsJSON.String != "null" {
		var f Facts
		if err := json.Unmarshal([]byte(factsJSON.String), &f); err == nil {
			d.Facts = &f
		}
	}
	return &d, nil
}

// Delete removes a device record and appends a final "deleted" history
// entry before removing it (history itself is retained per spec §3).
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := appendHistory(ctx, tx, id, HistDeleted, map[string]any{"device_id": id}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM installed_services WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("devicestore: delete services: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("devicestore: delete device: %w", err)
	}
	return tx.Commit()
}

// RecordService upserts an Installed Service Record and appends history.
func (s *Store) RecordService(ctx context.Context, deviceID int64, svc InstalledService) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	portsJSON, _ := json.Marshal(svc.Ports)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO installed_services (device_id, service_name, version, method, ports_json, config_digest,
			installed_at, health, deployment_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, service_name) DO UPDATE SET
			version=excluded.version, method=excluded.method, ports_json=excluded.ports_json,
			config_digest=excluded.config_digest, installed_at=excluded.installed_at,
			health=excluded.health, deployment_dir=excluded.deployment_dir`,
		deviceID, svc.ServiceName, svc.Version, string(svc.Method), string(portsJSON), svc.ConfigDigest,
		svc.InstalledAt.UTC().Format(time.RFC3339Nano), string(svc.Health), svc.DeploymentDir)
	if err != nil {
		return fmt.Errorf("devicestore: record service: %w", err)
	}
	if err := appendHistory(ctx, tx, deviceID, HistServiceInstalled, svc); err != nil {
		return err
	}
	return tx.Commit()
}

// ForgetService removes a service record, always (even mid-failure the
// caller should still call this, per spec §4.5 uninstall semantics).
func (s *Store) ForgetService(ctx context.Context, deviceID int64, serviceName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM installed_services WHERE device_id = ? AND service_name = ?`,
		deviceID, serviceName); err != nil {
		return fmt.Errorf("devicestore: forget service: %w", err)
	}
	if err := appendHistory(ctx, tx, deviceID, HistServiceRemoved, map[string]any{"service_name": serviceName}); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns entries for deviceID ordered oldest-first, optionally
// restricted to those after `since`.
func (s *Store) History(ctx context.Context, deviceID int64, since *time.Time) ([]HistoryEntry, error) {
	query := `SELECT id, device_id, timestamp, kind, diff_payload FROM device_history WHERE device_id = ?`
	args := []any{deviceID}
	if since != nil {
		query += " AND timestamp > ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("devicestore: history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts string
		var diff sql.NullString
		if err := rows.Scan(&e.ID, &e.DeviceID, &ts, &e.Kind, &diff); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if diff.Valid {
			e.Diff = json.RawMessage(diff.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
