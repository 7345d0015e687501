package database

// Schema is the single source of truth for the durable store layout.
// Timestamps are ISO-8601 UTC strings with millisecond precision; they
// compare lexicographically in time order.
const Schema = `
CREATE TABLE IF NOT EXISTS scheduler_jobs (
    name            TEXT PRIMARY KEY,
    schedule_kind   TEXT NOT NULL CHECK (schedule_kind IN ('interval', 'daily')),
    interval_ms     INTEGER,
    daily_hour      INTEGER,
    daily_minute    INTEGER,
    timezone        TEXT,
    lease_ms        INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'idle'
                    CHECK (status IN ('idle', 'running', 'success', 'failed')),
    next_run_at     TEXT,
    last_run_at     TEXT,
    failure_count   INTEGER NOT NULL DEFAULT 0,
    lock_owner      TEXT,
    lock_expires_at TEXT,
    last_error      TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS autonomy_policy_state (
    session_date                 TEXT PRIMARY KEY,
    min_edge_override            REAL,
    max_trades_per_scan_override INTEGER,
    leverage_cap_override        INTEGER,
    observation_only_until       TEXT,
    reason                       TEXT,
    updated_at                   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS perp_trades (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
    size        REAL NOT NULL CHECK (size > 0),
    price       REAL NOT NULL,
    notional    REAL NOT NULL,
    leverage    REAL,
    order_type  TEXT NOT NULL,
    reduce_only INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    executed_at TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_perp_trades_executed_at ON perp_trades(executed_at);

CREATE TABLE IF NOT EXISTS perp_trade_journal (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol            TEXT NOT NULL,
    side              TEXT,
    size              REAL,
    leverage          REAL,
    order_type        TEXT,
    reduce_only       INTEGER NOT NULL DEFAULT 0,
    mark_price        REAL,
    outcome           TEXT NOT NULL,
    signal_class      TEXT,
    market_regime     TEXT,
    volatility_bucket TEXT,
    liquidity_bucket  TEXT,
    thesis_correct    INTEGER,
    direction_score   REAL,
    timing_score      REAL,
    sizing_score      REAL,
    exit_score        REAL,
    captured_r        REAL,
    triggers          TEXT,
    reason            TEXT,
    closed_at         TEXT,
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_signal_class ON perp_trade_journal(signal_class);
CREATE INDEX IF NOT EXISTS idx_journal_created_at ON perp_trade_journal(created_at);

CREATE TABLE IF NOT EXISTS alerts (
    id              TEXT PRIMARY KEY,
    dedupe_key      TEXT NOT NULL,
    source          TEXT NOT NULL,
    reason          TEXT NOT NULL,
    severity        TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'high', 'critical')),
    status          TEXT NOT NULL DEFAULT 'open'
                    CHECK (status IN ('open', 'suppressed', 'sent', 'resolved')),
    summary         TEXT NOT NULL,
    message         TEXT,
    metadata        TEXT,
    occurred_at     TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    suppressed_at   TEXT,
    sent_at         TEXT,
    resolved_at     TEXT,
    acknowledged_at TEXT,
    acknowledged_by TEXT,
    last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_dedupe_key ON alerts(dedupe_key);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);

CREATE TABLE IF NOT EXISTS alert_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id   TEXT NOT NULL REFERENCES alerts(id),
    kind       TEXT NOT NULL,
    detail     TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_alert_id ON alert_events(alert_id);

CREATE TABLE IF NOT EXISTS alert_deliveries (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id            TEXT NOT NULL REFERENCES alerts(id),
    channel             TEXT NOT NULL,
    status              TEXT NOT NULL CHECK (status IN ('retrying', 'sent', 'failed')),
    attempt             INTEGER NOT NULL DEFAULT 1,
    provider_message_id TEXT,
    error               TEXT,
    metadata            TEXT,
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_deliveries_alert_id ON alert_deliveries(alert_id);

CREATE TABLE IF NOT EXISTS paper_perp_book (
    id            INTEGER PRIMARY KEY CHECK (id = 1),
    starting_cash TEXT NOT NULL,
    cash          TEXT NOT NULL,
    realized_pnl  TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_perp_positions (
    symbol      TEXT PRIMARY KEY,
    side        TEXT NOT NULL CHECK (side IN ('long', 'short')),
    size        REAL NOT NULL CHECK (size > 0),
    entry_price REAL NOT NULL,
    leverage    REAL NOT NULL DEFAULT 1,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_perp_orders (
    id          TEXT PRIMARY KEY,
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
    size        REAL NOT NULL CHECK (size > 0),
    price       REAL,
    order_type  TEXT NOT NULL CHECK (order_type IN ('market', 'limit')),
    reduce_only INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'open'
                CHECK (status IN ('open', 'filled', 'cancelled', 'rejected')),
    created_at  TEXT NOT NULL,
    filled_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_paper_orders_status ON paper_perp_orders(status);

CREATE TABLE IF NOT EXISTS paper_perp_fills (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id     TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    size         REAL NOT NULL,
    price        REAL NOT NULL,
    fee          TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paper_fills_symbol ON paper_perp_fills(symbol);
`
