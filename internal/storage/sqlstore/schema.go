package sqlstore

// Timestamps are stored as Unix nanoseconds so both dialects scan them the
// same way.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    external_refs TEXT NOT NULL DEFAULT '{}',
    ledger_a TEXT,
    ledger_b TEXT,
    last_verified_at INTEGER,
    degraded INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
CREATE TABLE IF NOT EXISTS external_refs (
    system_key TEXT NOT NULL,
    external_id TEXT NOT NULL,
    fcuid TEXT NOT NULL,
    PRIMARY KEY (system_key, external_id)
);
CREATE TABLE IF NOT EXISTS ledger_txs (
    tx TEXT PRIMARY KEY,
    fcuid TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    fcuid TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_fcuid ON events(fcuid);
CREATE TABLE IF NOT EXISTS rate_counters (
    counter_key TEXT PRIMARY KEY,
    window_start INTEGER NOT NULL,
    count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS suspicious (
    requester_id TEXT PRIMARY KEY,
    failed_lookups INTEGER NOT NULL,
    first_flagged INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
)`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS records (
    id VARCHAR(64) PRIMARY KEY,
    entity_type VARCHAR(32) NOT NULL,
    status VARCHAR(32) NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    external_refs TEXT NOT NULL,
    ledger_a VARCHAR(512),
    ledger_b VARCHAR(512),
    last_verified_at BIGINT,
    degraded TINYINT(1) NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 1,
    INDEX idx_records_status (status),
    INDEX idx_records_created (created_at)
);
CREATE TABLE IF NOT EXISTS external_refs (
    system_key VARCHAR(64) NOT NULL,
    external_id VARCHAR(255) NOT NULL,
    fcuid VARCHAR(64) NOT NULL,
    PRIMARY KEY (system_key, external_id)
);
CREATE TABLE IF NOT EXISTS ledger_txs (
    tx VARCHAR(512) PRIMARY KEY,
    fcuid VARCHAR(64) NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    seq BIGINT AUTO_INCREMENT PRIMARY KEY,
    id VARCHAR(36) NOT NULL UNIQUE,
    fcuid VARCHAR(64) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    actor VARCHAR(255) NOT NULL DEFAULT '',
    detail TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    INDEX idx_events_fcuid (fcuid)
);
CREATE TABLE IF NOT EXISTS rate_counters (
    counter_key VARCHAR(255) PRIMARY KEY,
    window_start BIGINT NOT NULL,
    count BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS suspicious (
    requester_id VARCHAR(255) PRIMARY KEY,
    failed_lookups BIGINT NOT NULL,
    first_flagged BIGINT NOT NULL,
    last_seen BIGINT NOT NULL
)`
