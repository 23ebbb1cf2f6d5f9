package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
        id         TEXT PRIMARY KEY,
        name       TEXT NOT NULL DEFAULT '',
        active     BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
    );`,
	`CREATE TABLE IF NOT EXISTS price_points (
        instrument_id TEXT NOT NULL,
        ts            TIMESTAMPTZ NOT NULL,
        open          NUMERIC NOT NULL,
        high          NUMERIC NOT NULL,
        low           NUMERIC NOT NULL,
        close         NUMERIC NOT NULL,
        volume        BIGINT NOT NULL DEFAULT 0,
        source        TEXT NOT NULL DEFAULT '',
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (instrument_id, ts)
    );`,
	`CREATE TABLE IF NOT EXISTS indicator_sets (
        instrument_id   TEXT NOT NULL,
        ts              TIMESTAMPTZ NOT NULL,
        sma20           DOUBLE PRECISION,
        sma50           DOUBLE PRECISION,
        ema12           DOUBLE PRECISION,
        ema26           DOUBLE PRECISION,
        macd            DOUBLE PRECISION,
        rsi14           DOUBLE PRECISION,
        bollinger_upper DOUBLE PRECISION,
        bollinger_lower DOUBLE PRECISION,
        volatility20    DOUBLE PRECISION,
        PRIMARY KEY (instrument_id, ts),
        FOREIGN KEY (instrument_id, ts) REFERENCES price_points (instrument_id, ts) ON DELETE CASCADE
    );`,
	`CREATE TABLE IF NOT EXISTS predictions (
        instrument_id    TEXT NOT NULL,
        ts               TIMESTAMPTZ NOT NULL,
        predicted_close  NUMERIC NOT NULL,
        predicted_return DOUBLE PRECISION NOT NULL,
        model_trained_at TIMESTAMPTZ NOT NULL,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (instrument_id, ts),
        FOREIGN KEY (instrument_id, ts) REFERENCES price_points (instrument_id, ts) ON DELETE CASCADE
    );`,
	`CREATE TABLE IF NOT EXISTS model_artifacts (
        id         SMALLINT PRIMARY KEY CHECK (id = 1),
        payload    JSONB NOT NULL,
        trained_at TIMESTAMPTZ NOT NULL,
        saved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS price_points_ts_idx ON price_points (ts);`,
}

// EnsureSchema creates missing tables. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}
