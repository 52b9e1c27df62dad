package enginestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, registered as "sqlite"
)

// SQLiteStore is the durable mirror described in spec §6 ("Persistent
// store layout ... tables engines, streams, stream_stats"). It is a
// dumb key-value sink: every write is a whole-row upsert, matched to the
// in-memory Engine/Stream/StatSnapshot shapes via JSON columns for the
// nested maps so the schema doesn't need to track label-set changes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the sqlite file at path and
// ensures the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("enginestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engines (
			container_id TEXT PRIMARY KEY,
			container_name TEXT,
			host TEXT,
			port INTEGER,
			labels TEXT,
			vpn_container TEXT,
			forwarded INTEGER,
			p2p_port INTEGER,
			health_status TEXT,
			last_health_check TEXT,
			last_stream_usage TEXT,
			last_cache_cleanup TEXT,
			cache_size_bytes INTEGER,
			first_seen TEXT,
			last_seen TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			engine_container_id TEXT,
			key_type TEXT,
			key TEXT,
			playback_session_id TEXT,
			stat_url TEXT,
			command_url TEXT,
			is_live INTEGER,
			started_at TEXT,
			ended_at TEXT,
			status TEXT,
			labels TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS stream_stats (
			stream_id TEXT,
			ts TEXT,
			peers INTEGER,
			speed_down INTEGER,
			speed_up INTEGER,
			downloaded INTEGER,
			uploaded INTEGER,
			status TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS runtime_config (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("enginestore: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertEngine(e Engine) error {
	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO engines (
		container_id, container_name, host, port, labels, vpn_container,
		forwarded, p2p_port, health_status, last_health_check,
		last_stream_usage, last_cache_cleanup, cache_size_bytes,
		first_seen, last_seen
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(container_id) DO UPDATE SET
		container_name=excluded.container_name, host=excluded.host,
		port=excluded.port, labels=excluded.labels,
		vpn_container=excluded.vpn_container, forwarded=excluded.forwarded,
		p2p_port=excluded.p2p_port, health_status=excluded.health_status,
		last_health_check=excluded.last_health_check,
		last_stream_usage=excluded.last_stream_usage,
		last_cache_cleanup=excluded.last_cache_cleanup,
		cache_size_bytes=excluded.cache_size_bytes,
		last_seen=excluded.last_seen`,
		e.ContainerID, e.ContainerName, e.Host, e.Port, string(labels), e.VPNContainer,
		boolToInt(e.Forwarded), e.P2PPort, string(e.HealthStatus), timeStr(e.LastHealthCheck),
		timeStr(e.LastStreamUsage), timeStr(e.LastCacheCleanup), e.CacheSizeBytes,
		timeStr(e.FirstSeen), timeStr(e.LastSeen),
	)
	return err
}

func (s *SQLiteStore) DeleteEngine(containerID string) error {
	_, err := s.db.Exec(`DELETE FROM engines WHERE container_id = ?`, containerID)
	return err
}

func (s *SQLiteStore) UpsertStream(st Stream) error {
	labels, err := json.Marshal(st.Labels)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO streams (
		id, engine_container_id, key_type, key, playback_session_id,
		stat_url, command_url, is_live, started_at, ended_at, status, labels
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		engine_container_id=excluded.engine_container_id,
		key_type=excluded.key_type, key=excluded.key,
		playback_session_id=excluded.playback_session_id,
		stat_url=excluded.stat_url, command_url=excluded.command_url,
		is_live=excluded.is_live, started_at=excluded.started_at,
		ended_at=excluded.ended_at, status=excluded.status, labels=excluded.labels`,
		st.ID, st.EngineContainerID, st.KeyType, st.Key, st.PlaybackSessionID,
		st.StatURL, st.CommandURL, boolToInt(st.IsLive), timeStr(st.StartedAt),
		timeStr(st.EndedAt), string(st.Status), string(labels),
	)
	return err
}

func (s *SQLiteStore) AppendStat(snap StatSnapshot) error {
	_, err := s.db.Exec(`INSERT INTO stream_stats (
		stream_id, ts, peers, speed_down, speed_up, downloaded, uploaded, status
	) VALUES (?,?,?,?,?,?,?,?)`,
		snap.StreamID, timeStr(snap.TS), snap.Peers, snap.SpeedDown,
		snap.SpeedUp, snap.Downloaded, snap.Uploaded, snap.Status,
	)
	return err
}

func (s *SQLiteStore) LoadEngines() ([]Engine, error) {
	rows, err := s.db.Query(`SELECT container_id, container_name, host, port, labels,
		vpn_container, forwarded, p2p_port, health_status, last_health_check,
		last_stream_usage, last_cache_cleanup, cache_size_bytes, first_seen, last_seen
		FROM engines`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Engine
	for rows.Next() {
		var e Engine
		var labels string
		var forwarded int
		var health string
		var lastHealthCheck, lastStreamUsage, lastCacheCleanup, firstSeen, lastSeen string
		if err := rows.Scan(&e.ContainerID, &e.ContainerName, &e.Host, &e.Port, &labels,
			&e.VPNContainer, &forwarded, &e.P2PPort, &health, &lastHealthCheck,
			&lastStreamUsage, &lastCacheCleanup, &e.CacheSizeBytes, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(labels), &e.Labels)
		e.Forwarded = forwarded != 0
		e.HealthStatus = HealthStatus(health)
		e.LastHealthCheck = parseTime(lastHealthCheck)
		e.LastStreamUsage = parseTime(lastStreamUsage)
		e.LastCacheCleanup = parseTime(lastCacheCleanup)
		e.FirstSeen = parseTime(firstSeen)
		e.LastSeen = parseTime(lastSeen)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadStreams() ([]Stream, error) {
	rows, err := s.db.Query(`SELECT id, engine_container_id, key_type, key,
		playback_session_id, stat_url, command_url, is_live, started_at, ended_at,
		status, labels FROM streams`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		var isLive int
		var started, ended, labels string
		if err := rows.Scan(&st.ID, &st.EngineContainerID, &st.KeyType, &st.Key,
			&st.PlaybackSessionID, &st.StatURL, &st.CommandURL, &isLive, &started,
			&ended, &st.Status, &labels); err != nil {
			return nil, err
		}
		st.IsLive = isLive != 0
		st.StartedAt = parseTime(started)
		st.EndedAt = parseTime(ended)
		_ = json.Unmarshal([]byte(labels), &st.Labels)
		out = append(out, st)
	}
	return out, rows.Err()
}

// runtimeConfigKey is the single row this store keeps the whole
// RuntimeConfig blob under; the table's key/value shape leaves room for a
// future per-field layout without a schema change.
const runtimeConfigKey = "config"

func (s *SQLiteStore) LoadRuntimeConfig() (RuntimeConfig, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM runtime_config WHERE key = ?`, runtimeConfigKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return RuntimeConfig{}, nil
	}
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("enginestore: load runtime config: %w", err)
	}
	var cfg RuntimeConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("enginestore: decode runtime config: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) SaveRuntimeConfig(cfg RuntimeConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO runtime_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, runtimeConfigKey, string(raw))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
