package store

// schemaStatements is the conceptual shape of §persisted state, executed in
// order by EnsureSchema. Prices are numeric(18,6); all IDs are UUIDs.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS exchanges (
		id                  UUID PRIMARY KEY,
		code                TEXT NOT NULL UNIQUE,
		name                TEXT NOT NULL,
		country             TEXT NOT NULL DEFAULT '',
		timezone            TEXT NOT NULL DEFAULT 'Asia/Kolkata',
		currency            TEXT NOT NULL DEFAULT 'INR',
		trading_hours_start TEXT NOT NULL DEFAULT '09:15',
		trading_hours_end   TEXT NOT NULL DEFAULT '15:30',
		is_active           BOOLEAN NOT NULL DEFAULT TRUE,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS instruments (
		id                      UUID PRIMARY KEY,
		exchange_id             UUID NOT NULL REFERENCES exchanges(id),
		symbol                  TEXT NOT NULL,
		name                    TEXT NOT NULL DEFAULT '',
		external_id             INTEGER NOT NULL,
		security_type           TEXT NOT NULL,
		segment                 TEXT NOT NULL,
		isin                    TEXT,
		sector                  TEXT,
		industry                TEXT,
		lot_size                BIGINT,
		tick_size               NUMERIC(18,6),
		is_active               BOOLEAN NOT NULL DEFAULT TRUE,
		is_tradeable            BOOLEAN NOT NULL DEFAULT TRUE,
		is_derivatives_eligible BOOLEAN NOT NULL DEFAULT FALSE,
		has_options             BOOLEAN NOT NULL DEFAULT FALSE,
		has_futures             BOOLEAN NOT NULL DEFAULT FALSE,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (symbol, exchange_id),
		UNIQUE (external_id)
	)`,

	`CREATE TABLE IF NOT EXISTS futures (
		id                   UUID PRIMARY KEY,
		instrument_id        UUID NOT NULL UNIQUE REFERENCES instruments(id) ON DELETE CASCADE,
		underlying_id        UUID NOT NULL REFERENCES instruments(id),
		expiration_date      DATE NOT NULL,
		contract_month       TEXT NOT NULL,
		settlement_type      TEXT NOT NULL,
		contract_size        BIGINT NOT NULL DEFAULT 0,
		lot_size             BIGINT NOT NULL DEFAULT 0,
		previous_contract_id UUID REFERENCES futures(id),
		next_contract_id     UUID REFERENCES futures(id),
		is_active            BOOLEAN NOT NULL DEFAULT TRUE,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (underlying_id, contract_month, expiration_date, settlement_type)
	)`,

	`CREATE TABLE IF NOT EXISTS ohlcv (
		instrument_id  UUID NOT NULL REFERENCES instruments(id),
		timestamp      TIMESTAMPTZ NOT NULL,
		timeframe      TEXT NOT NULL,
		open           NUMERIC(18,6) NOT NULL,
		high           NUMERIC(18,6) NOT NULL,
		low            NUMERIC(18,6) NOT NULL,
		close          NUMERIC(18,6) NOT NULL,
		adjusted_close NUMERIC(18,6),
		volume         BIGINT NOT NULL DEFAULT 0,
		source         TEXT NOT NULL DEFAULT '',
		quality_score  DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at     TIMESTAMPTZ,
		PRIMARY KEY (instrument_id, timestamp, timeframe)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ohlcv_timeframe_ts ON ohlcv (timeframe, timestamp)`,

	`CREATE TABLE IF NOT EXISTS fetch_progress (
		instrument_id         UUID PRIMARY KEY REFERENCES instruments(id) ON DELETE CASCADE,
		last_historical_fetch DATE,
		last_daily_fetch      DATE,
		status                TEXT NOT NULL DEFAULT 'pending',
		retry_count           INTEGER NOT NULL DEFAULT 0,
		error_message         TEXT,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS task_runs (
		id                     UUID PRIMARY KEY,
		external_task_id       TEXT NOT NULL DEFAULT '',
		task_name              TEXT NOT NULL,
		task_type              TEXT NOT NULL,
		title                  TEXT NOT NULL DEFAULT '',
		description            TEXT,
		status                 TEXT NOT NULL DEFAULT 'PENDING',
		progress_percentage    INTEGER NOT NULL DEFAULT 0,
		current_message        TEXT NOT NULL DEFAULT '',
		current_step           INTEGER NOT NULL DEFAULT 0,
		total_steps            INTEGER NOT NULL DEFAULT 0,
		started_at             TIMESTAMPTZ,
		completed_at           TIMESTAMPTZ,
		execution_time_seconds DOUBLE PRECISION,
		retry_count            INTEGER NOT NULL DEFAULT 0,
		input_parameters       JSONB NOT NULL DEFAULT '{}'::jsonb,
		result_data            JSONB,
		error_message          TEXT,
		error_traceback        TEXT,
		error_category         TEXT,
		actor_id               TEXT,
		last_heartbeat_at      TIMESTAMPTZ,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS task_steps (
		id          UUID PRIMARY KEY,
		task_run_id UUID NOT NULL REFERENCES task_runs(id) ON DELETE CASCADE,
		step_name   TEXT NOT NULL,
		step_order  INTEGER NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'PENDING',
		result_data JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (task_run_id, step_name)
	)`,

	`CREATE TABLE IF NOT EXISTS task_logs (
		id          UUID PRIMARY KEY,
		task_run_id UUID NOT NULL REFERENCES task_runs(id) ON DELETE CASCADE,
		level       TEXT NOT NULL DEFAULT 'INFO',
		message     TEXT NOT NULL,
		extra_data  JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_task_logs_run ON task_logs (task_run_id, created_at)`,
}
