package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-autopilot/internal/market"
)

type seriesKey struct {
	instrumentID string
	ts           int64
}

// MemoryStore is an in-process RecordStore for tests and the "memory" driver.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments []market.Instrument
	prices      map[seriesKey]market.PricePoint
	indicators  map[seriesKey]market.IndicatorSet
	predictions map[seriesKey]market.Prediction
	artifact    *Artifact
	now         func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prices:      make(map[seriesKey]market.PricePoint),
		indicators:  make(map[seriesKey]market.IndicatorSet),
		predictions: make(map[seriesKey]market.Prediction),
		now:         time.Now,
	}
}

func keyOf(instrumentID string, ts time.Time) seriesKey {
	return seriesKey{instrumentID: instrumentID, ts: ts.UTC().UnixNano()}
}

// Ping always succeeds unless ctx is done.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) FindActiveInstruments(ctx context.Context) ([]market.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]market.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		if inst.Active {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *MemoryStore) TrackInstrument(ctx context.Context, id, name string) (market.Instrument, error) {
	id = market.NormalizeTicker(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.instruments {
		if m.instruments[i].ID == id {
			m.instruments[i].Active = true
			if name != "" {
				m.instruments[i].Name = name
			}
			return m.instruments[i], nil
		}
	}
	inst := market.Instrument{ID: id, Name: name, Active: true, CreatedAt: m.now().UTC()}
	m.instruments = append(m.instruments, inst)
	return inst, nil
}

func (m *MemoryStore) UntrackInstrument(ctx context.Context, id string) error {
	id = market.NormalizeTicker(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.instruments {
		if m.instruments[i].ID == id {
			m.instruments[i].Active = false
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CountInstruments(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.instruments)), nil
}

func (m *MemoryStore) UpsertPricePoint(ctx context.Context, point market.PricePoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	point.Timestamp = point.Timestamp.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[keyOf(point.InstrumentID, point.Timestamp)] = point
	return nil
}

func (m *MemoryStore) RecentPrices(ctx context.Context, instrumentID string, limit int) ([]market.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := make([]market.PricePoint, 0)
	for key, p := range m.prices {
		if key.instrumentID == instrumentID {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return tail(points, limit), nil
}

func (m *MemoryStore) DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, p := range m.prices {
		if p.Timestamp.Before(cutoff) {
			delete(m.prices, key)
			delete(m.indicators, key)
			delete(m.predictions, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) SaveIndicators(ctx context.Context, set market.IndicatorSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyOf(set.InstrumentID, set.Timestamp)
	if _, ok := m.prices[key]; !ok {
		return ErrNotFound
	}
	set.Timestamp = set.Timestamp.UTC()
	m.indicators[key] = set
	return nil
}

func (m *MemoryStore) CountAnalyzableRows(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make(map[string]bool, len(m.instruments))
	for _, inst := range m.instruments {
		active[inst.ID] = inst.Active
	}
	var n int64
	for key, set := range m.indicators {
		if active[key.instrumentID] && set.Complete() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LoadAnalyzableWindow(ctx context.Context, instrumentID string, length int) ([]market.AnalyzableRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]market.AnalyzableRow, 0)
	for key, set := range m.indicators {
		if key.instrumentID != instrumentID || !set.Complete() {
			continue
		}
		rows = append(rows, market.AnalyzableRow{Price: m.prices[key], Indicators: set})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Price.Timestamp.Before(rows[j].Price.Timestamp) })
	return tail(rows, length), nil
}

func (m *MemoryStore) SaveModelArtifact(ctx context.Context, artifact Artifact) error {
	if artifact.SavedAt.IsZero() {
		artifact.SavedAt = m.now().UTC()
	}
	artifact.Payload = append([]byte(nil), artifact.Payload...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifact = &artifact
	return nil
}

func (m *MemoryStore) LoadModelArtifact(ctx context.Context) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.artifact == nil {
		return Artifact{}, ErrNotFound
	}
	out := *m.artifact
	out.Payload = append([]byte(nil), m.artifact.Payload...)
	return out, nil
}

func (m *MemoryStore) SavePrediction(ctx context.Context, p market.Prediction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyOf(p.InstrumentID, p.Timestamp)
	if _, ok := m.prices[key]; !ok {
		return ErrNotFound
	}
	p.Timestamp = p.Timestamp.UTC()
	m.predictions[key] = p
	return nil
}

func (m *MemoryStore) LatestPredictions(ctx context.Context) ([]market.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]market.Prediction)
	for _, p := range m.predictions {
		if cur, ok := latest[p.InstrumentID]; !ok || p.Timestamp.After(cur.Timestamp) {
			latest[p.InstrumentID] = p
		}
	}
	out := make([]market.Prediction, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

var _ RecordStore = (*MemoryStore)(nil)
