package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"market-autopilot/internal/market"
)

const (
	findActiveInstrumentsSQL = `SELECT id, name, active, created_at
    FROM instruments
    WHERE active
    ORDER BY created_at, id;`

	trackInstrumentSQL = `INSERT INTO instruments (id, name, active)
    VALUES ($1, $2, TRUE)
    ON CONFLICT (id) DO UPDATE
    SET active = TRUE,
        name   = CASE WHEN EXCLUDED.name = '' THEN instruments.name ELSE EXCLUDED.name END
    RETURNING id, name, active, created_at;`

	untrackInstrumentSQL = `UPDATE instruments SET active = FALSE WHERE id = $1;`

	countInstrumentsSQL = `SELECT COUNT(*) FROM instruments;`

	upsertPricePointSQL = `INSERT INTO price_points (
        instrument_id,
        ts,
        open,
        high,
        low,
        close,
        volume,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (instrument_id, ts) DO UPDATE
    SET
        open       = EXCLUDED.open,
        high       = EXCLUDED.high,
        low        = EXCLUDED.low,
        close      = EXCLUDED.close,
        volume     = EXCLUDED.volume,
        source     = EXCLUDED.source,
        updated_at = now();`

	recentPricesSQL = `SELECT instrument_id, ts, open, high, low, close, volume, source
    FROM (
        SELECT instrument_id, ts, open::text AS open, high::text AS high, low::text AS low,
               close::text AS close, volume, source
        FROM price_points
        WHERE instrument_id = $1
        ORDER BY ts DESC
        LIMIT $2
    ) recent
    ORDER BY ts;`

	deletePricesBeforeSQL = `DELETE FROM price_points WHERE ts < $1;`

	upsertIndicatorsSQL = `INSERT INTO indicator_sets (
        instrument_id,
        ts,
        sma20,
        sma50,
        ema12,
        ema26,
        macd,
        rsi14,
        bollinger_upper,
        bollinger_lower,
        volatility20
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (instrument_id, ts) DO UPDATE
    SET
        sma20           = EXCLUDED.sma20,
        sma50           = EXCLUDED.sma50,
        ema12           = EXCLUDED.ema12,
        ema26           = EXCLUDED.ema26,
        macd            = EXCLUDED.macd,
        rsi14           = EXCLUDED.rsi14,
        bollinger_upper = EXCLUDED.bollinger_upper,
        bollinger_lower = EXCLUDED.bollinger_lower,
        volatility20    = EXCLUDED.volatility20;`

	completeIndicatorsPredicate = `s.sma20 IS NOT NULL AND s.sma50 IS NOT NULL AND s.ema12 IS NOT NULL
        AND s.ema26 IS NOT NULL AND s.macd IS NOT NULL AND s.rsi14 IS NOT NULL
        AND s.bollinger_upper IS NOT NULL AND s.bollinger_lower IS NOT NULL
        AND s.volatility20 IS NOT NULL`

	countAnalyzableRowsSQL = `SELECT COUNT(*)
    FROM indicator_sets s
    JOIN instruments i ON i.id = s.instrument_id AND i.active
    WHERE ` + completeIndicatorsPredicate + `;`

	loadAnalyzableWindowSQL = `SELECT * FROM (
        SELECT p.instrument_id, p.ts, p.open::text, p.high::text, p.low::text, p.close::text,
               p.volume, p.source,
               s.sma20, s.sma50, s.ema12, s.ema26, s.macd, s.rsi14,
               s.bollinger_upper, s.bollinger_lower, s.volatility20
        FROM price_points p
        JOIN indicator_sets s ON s.instrument_id = p.instrument_id AND s.ts = p.ts
        WHERE p.instrument_id = $1
          AND ` + completeIndicatorsPredicate + `
        ORDER BY p.ts DESC
        LIMIT $2
    ) window_rows
    ORDER BY 2;`

	saveArtifactSQL = `INSERT INTO model_artifacts (id, payload, trained_at, saved_at)
    VALUES (1, $1, $2, $3)
    ON CONFLICT (id) DO UPDATE
    SET payload    = EXCLUDED.payload,
        trained_at = EXCLUDED.trained_at,
        saved_at   = EXCLUDED.saved_at;`

	loadArtifactSQL = `SELECT payload, trained_at, saved_at FROM model_artifacts WHERE id = 1;`

	upsertPredictionSQL = `INSERT INTO predictions (
        instrument_id,
        ts,
        predicted_close,
        predicted_return,
        model_trained_at,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (instrument_id, ts) DO UPDATE
    SET predicted_close  = EXCLUDED.predicted_close,
        predicted_return = EXCLUDED.predicted_return,
        model_trained_at = EXCLUDED.model_trained_at,
        created_at       = EXCLUDED.created_at;`

	latestPredictionsSQL = `SELECT DISTINCT ON (instrument_id)
        instrument_id, ts, predicted_close::text, predicted_return, model_trained_at, created_at
    FROM predictions
    ORDER BY instrument_id, ts DESC;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL RecordStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// FindActiveInstruments lists active instruments in tracked order.
func (s *Store) FindActiveInstruments(ctx context.Context) ([]market.Instrument, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, findActiveInstrumentsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("find active instruments: %w", queryErr)
	}
	defer rows.Close()

	instruments := make([]market.Instrument, 0)
	for rows.Next() {
		var inst market.Instrument
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Active, &inst.CreatedAt); err != nil {
			return nil, err
		}
		instruments = append(instruments, inst)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return instruments, nil
}

// TrackInstrument creates or re-activates an instrument. An empty name keeps the stored one.
func (s *Store) TrackInstrument(ctx context.Context, id, name string) (market.Instrument, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.Instrument{}, err
	}

	var inst market.Instrument
	row := pool.QueryRow(ctx, trackInstrumentSQL, market.NormalizeTicker(id), name)
	if err := row.Scan(&inst.ID, &inst.Name, &inst.Active, &inst.CreatedAt); err != nil {
		return market.Instrument{}, fmt.Errorf("track instrument: %w", err)
	}
	return inst, nil
}

// UntrackInstrument deactivates an instrument without deleting its history.
func (s *Store) UntrackInstrument(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, untrackInstrumentSQL, market.NormalizeTicker(id))
	if execErr != nil {
		return fmt.Errorf("untrack instrument: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountInstruments counts every known instrument.
func (s *Store) CountInstruments(ctx context.Context) (int64, error) {
	return s.count(ctx, countInstrumentsSQL, "count instruments")
}

// UpsertPricePoint persists or overwrites a price point.
func (s *Store) UpsertPricePoint(ctx context.Context, p market.PricePoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertPricePointSQL,
		p.InstrumentID,
		p.Timestamp.UTC(),
		p.Open.String(),
		p.High.String(),
		p.Low.String(),
		p.Close.String(),
		p.Volume,
		p.Source,
	)
	if execErr != nil {
		return fmt.Errorf("upsert price point: %w", execErr)
	}
	return nil
}

// RecentPrices lists the newest points for an instrument, oldest first.
func (s *Store) RecentPrices(ctx context.Context, instrumentID string, limit int) ([]market.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentPricesSQL, instrumentID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent prices: %w", queryErr)
	}
	defer rows.Close()

	points := make([]market.PricePoint, 0, limit)
	for rows.Next() {
		var row priceRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		point, convErr := row.point()
		if convErr != nil {
			return nil, convErr
		}
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// DeletePricesBefore deletes historical points; indicators and predictions cascade.
func (s *Store) DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deletePricesBeforeSQL, cutoff.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("delete prices before: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// SaveIndicators upserts the indicator set of one price point.
func (s *Store) SaveIndicators(ctx context.Context, set market.IndicatorSet) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertIndicatorsSQL,
		set.InstrumentID,
		set.Timestamp.UTC(),
		set.SMA20,
		set.SMA50,
		set.EMA12,
		set.EMA26,
		set.MACD,
		set.RSI14,
		set.BollingerUpper,
		set.BollingerLower,
		set.Volatility20,
	)
	if execErr != nil {
		return fmt.Errorf("upsert indicators: %w", execErr)
	}
	return nil
}

// CountAnalyzableRows counts complete indicator sets of active instruments.
func (s *Store) CountAnalyzableRows(ctx context.Context) (int64, error) {
	return s.count(ctx, countAnalyzableRowsSQL, "count analyzable rows")
}

// LoadAnalyzableWindow returns the newest analyzable rows, oldest first.
func (s *Store) LoadAnalyzableWindow(ctx context.Context, instrumentID string, length int) ([]market.AnalyzableRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadAnalyzableWindowSQL, instrumentID, length)
	if queryErr != nil {
		return nil, fmt.Errorf("load analyzable window: %w", queryErr)
	}
	defer rows.Close()

	window := make([]market.AnalyzableRow, 0, length)
	for rows.Next() {
		var (
			price priceRow
			ind   market.IndicatorSet
		)
		dest := append(price.dest(),
			&ind.SMA20, &ind.SMA50, &ind.EMA12, &ind.EMA26, &ind.MACD, &ind.RSI14,
			&ind.BollingerUpper, &ind.BollingerLower, &ind.Volatility20,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		point, convErr := price.point()
		if convErr != nil {
			return nil, convErr
		}
		ind.InstrumentID = point.InstrumentID
		ind.Timestamp = point.Timestamp
		window = append(window, market.AnalyzableRow{Price: point, Indicators: ind})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return window, nil
}

// SaveModelArtifact overwrites the stored artifact.
func (s *Store) SaveModelArtifact(ctx context.Context, artifact Artifact) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	savedAt := artifact.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, saveArtifactSQL, artifact.Payload, artifact.TrainedAt.UTC(), savedAt); execErr != nil {
		return fmt.Errorf("save model artifact: %w", execErr)
	}
	return nil
}

// LoadModelArtifact returns the stored artifact or ErrNotFound.
func (s *Store) LoadModelArtifact(ctx context.Context) (Artifact, error) {
	pool, err := s.getPool()
	if err != nil {
		return Artifact{}, err
	}

	var artifact Artifact
	scanErr := pool.QueryRow(ctx, loadArtifactSQL).Scan(&artifact.Payload, &artifact.TrainedAt, &artifact.SavedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if scanErr != nil {
		return Artifact{}, fmt.Errorf("load model artifact: %w", scanErr)
	}
	return artifact, nil
}

// SavePrediction upserts a prediction.
func (s *Store) SavePrediction(ctx context.Context, p market.Prediction) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, execErr := pool.Exec(ctx, upsertPredictionSQL,
		p.InstrumentID,
		p.Timestamp.UTC(),
		p.PredictedClose.String(),
		p.PredictedReturn,
		p.ModelTrainedAt.UTC(),
		createdAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert prediction: %w", execErr)
	}
	return nil
}

// LatestPredictions returns the newest prediction per instrument.
func (s *Store) LatestPredictions(ctx context.Context) ([]market.Prediction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestPredictionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("latest predictions: %w", queryErr)
	}
	defer rows.Close()

	predictions := make([]market.Prediction, 0)
	for rows.Next() {
		var (
			p        market.Prediction
			closeStr string
		)
		if err := rows.Scan(&p.InstrumentID, &p.Timestamp, &closeStr, &p.PredictedReturn, &p.ModelTrainedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		value, convErr := decimal.NewFromString(closeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse predicted close: %w", convErr)
		}
		p.PredictedClose = value
		predictions = append(predictions, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return predictions, nil
}

func (s *Store) count(ctx context.Context, query, op string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, query).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("%s: %w", op, scanErr)
	}
	return count, nil
}

// priceRow scans numeric columns as text and converts them to decimals.
type priceRow struct {
	instrumentID string
	ts           time.Time
	open         string
	high         string
	low          string
	close        string
	volume       int64
	source       string
}

func (r *priceRow) dest() []any {
	return []any{&r.instrumentID, &r.ts, &r.open, &r.high, &r.low, &r.close, &r.volume, &r.source}
}

func (r *priceRow) point() (market.PricePoint, error) {
	values := make([]decimal.Decimal, 4)
	for i, raw := range []string{r.open, r.high, r.low, r.close} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return market.PricePoint{}, fmt.Errorf("parse price: %w", err)
		}
		values[i] = v
	}
	return market.PricePoint{
		InstrumentID: r.instrumentID,
		Timestamp:    r.ts.UTC(),
		Open:         values[0],
		High:         values[1],
		Low:          values[2],
		Close:        values[3],
		Volume:       r.volume,
		Source:       r.source,
	}, nil
}

var (
	_ RecordStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
