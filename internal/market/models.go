package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is a tracked market symbol.
type Instrument struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// NormalizeTicker upper-cases and trims a ticker so it can be used as an instrument ID.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// PricePoint is one OHLCV observation, unique per (InstrumentID, Timestamp).
type PricePoint struct {
	InstrumentID string
	Timestamp    time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       int64
	Source       string
}

// IndicatorSet holds derived indicators for a single price point. Nil means not computable yet.
type IndicatorSet struct {
	InstrumentID   string
	Timestamp      time.Time
	SMA20          *float64
	SMA50          *float64
	EMA12          *float64
	EMA26          *float64
	MACD           *float64
	RSI14          *float64
	BollingerUpper *float64
	BollingerLower *float64
	Volatility20   *float64
}

// Complete reports whether every indicator is present.
func (s IndicatorSet) Complete() bool {
	for _, v := range s.values() {
		if v == nil {
			return false
		}
	}
	return true
}

func (s IndicatorSet) values() []*float64 {
	return []*float64{
		s.SMA20, s.SMA50, s.EMA12, s.EMA26, s.MACD,
		s.RSI14, s.BollingerUpper, s.BollingerLower, s.Volatility20,
	}
}

// AnalyzableRow joins a price point with its complete indicator set.
type AnalyzableRow struct {
	Price      PricePoint
	Indicators IndicatorSet
}

// Features projects the row onto the model feature vector. Price-level indicators are expressed
// relative to the close so the vector is comparable across instruments.
func (r AnalyzableRow) Features() []float64 {
	closeValue := r.Price.Close.InexactFloat64()
	if closeValue == 0 {
		closeValue = 1
	}
	ind := r.Indicators
	return []float64{
		*ind.SMA20/closeValue - 1,
		*ind.SMA50/closeValue - 1,
		*ind.EMA12/closeValue - 1,
		*ind.EMA26/closeValue - 1,
		*ind.MACD / closeValue,
		*ind.RSI14 / 100,
		*ind.BollingerUpper/closeValue - 1,
		*ind.BollingerLower/closeValue - 1,
		*ind.Volatility20,
	}
}

// FeatureCount is the length of AnalyzableRow.Features.
const FeatureCount = 9

// Prediction is the model output for the row at Timestamp.
type Prediction struct {
	InstrumentID    string
	Timestamp       time.Time
	PredictedClose  decimal.Decimal
	PredictedReturn float64
	ModelTrainedAt  time.Time
	CreatedAt       time.Time
}
