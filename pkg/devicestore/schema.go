package devicestore

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname TEXT,
	ip_address TEXT,
	username TEXT,
	auth_kind TEXT,
	cred_ref TEXT,
	facts_json TEXT,
	role TEXT NOT NULL DEFAULT 'unknown',
	excluded_from_deployments INTEGER NOT NULL DEFAULT 0,
	notes TEXT,
	created_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	last_discovery_at TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	UNIQUE(hostname, ip_address)
);

CREATE INDEX IF NOT EXISTS idx_devices_hostname ON devices(hostname);
CREATE INDEX IF NOT EXISTS idx_devices_ip ON devices(ip_address);

CREATE TABLE IF NOT EXISTS device_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	kind TEXT NOT NULL,
	diff_payload TEXT
);

CREATE INDEX IF NOT EXISTS idx_history_device ON device_history(device_id, id);

CREATE TABLE IF NOT EXISTS installed_services (
	device_id INTEGER NOT NULL,
	service_name TEXT NOT NULL,
	version TEXT,
	method TEXT NOT NULL,
	ports_json TEXT,
	config_digest TEXT,
	installed_at TEXT NOT NULL,
	health TEXT NOT NULL DEFAULT 'unknown',
	deployment_dir TEXT,
	PRIMARY KEY(device_id, service_name),
	FOREIGN KEY(device_id) REFERENCES devices(id)
);

CREATE TABLE IF NOT EXISTS refresh_locks (
	device_id INTEGER PRIMARY KEY,
	started_at TEXT NOT NULL
);
`
