package analysis

import (
	"math"

	"market-autopilot/internal/market"
)

// Standard periods.
const (
	ShortSMAPeriod   = 20
	LongSMAPeriod    = 50
	FastEMAPeriod    = 12
	SlowEMAPeriod    = 26
	RSIPeriod        = 14
	BollingerPeriod  = 20
	BollingerWidth   = 2.0
	VolatilityPeriod = 20
)

// SMA returns the simple moving average at every index, nil until period values are available.
func SMA(values []float64, period int) []*float64 {
	out := make([]*float64, len(values))
	if period <= 0 {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = ptr(sum / float64(period))
		}
	}
	return out
}

// EMA returns the exponential moving average seeded with the SMA of the first period values.
func EMA(values []float64, period int) []*float64 {
	out := make([]*float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	k := 2.0 / float64(period+1)

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	out[period-1] = ptr(ema)
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*k + ema
		out[i] = ptr(ema)
	}
	return out
}

// RSI returns Wilder's relative strength index, nil for the first period indexes.
func RSI(values []float64, period int) []*float64 {
	out := make([]*float64, len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		g, l := change(values[i-1], values[i])
		gain += g
		loss += l
	}
	avgGain, avgLoss := gain/float64(period), loss/float64(period)
	out[period] = ptr(rsiFrom(avgGain, avgLoss))

	for i := period + 1; i < len(values); i++ {
		g, l := change(values[i-1], values[i])
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = ptr(rsiFrom(avgGain, avgLoss))
	}
	return out
}

// Bollinger returns upper and lower bands at width population standard deviations around the SMA.
func Bollinger(values []float64, period int, width float64) (upper, lower []*float64) {
	upper = make([]*float64, len(values))
	lower = make([]*float64, len(values))
	mid := SMA(values, period)
	for i := range values {
		if mid[i] == nil {
			continue
		}
		sd := stddev(values[i-period+1:i+1], *mid[i])
		upper[i] = ptr(*mid[i] + width*sd)
		lower[i] = ptr(*mid[i] - width*sd)
	}
	return upper, lower
}

// Volatility returns the standard deviation of the last period log returns.
func Volatility(values []float64, period int) []*float64 {
	out := make([]*float64, len(values))
	if period <= 1 || len(values) <= period {
		return out
	}
	returns := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 && values[i] > 0 {
			returns[i] = math.Log(values[i] / values[i-1])
		}
	}
	for i := period; i < len(values); i++ {
		window := returns[i-period+1 : i+1]
		out[i] = ptr(stddev(window, mean(window)))
	}
	return out
}

// Compute derives an indicator set for every point. Points must be sorted oldest first.
func Compute(points []market.PricePoint) []market.IndicatorSet {
	closes := make([]float64, len(points))
	for i, p := range points {
		closes[i] = p.Close.InexactFloat64()
	}

	sma20 := SMA(closes, ShortSMAPeriod)
	sma50 := SMA(closes, LongSMAPeriod)
	ema12 := EMA(closes, FastEMAPeriod)
	ema26 := EMA(closes, SlowEMAPeriod)
	rsi := RSI(closes, RSIPeriod)
	upper, lower := Bollinger(closes, BollingerPeriod, BollingerWidth)
	vol := Volatility(closes, VolatilityPeriod)

	sets := make([]market.IndicatorSet, len(points))
	for i, p := range points {
		set := market.IndicatorSet{
			InstrumentID:   p.InstrumentID,
			Timestamp:      p.Timestamp,
			SMA20:          sma20[i],
			SMA50:          sma50[i],
			EMA12:          ema12[i],
			EMA26:          ema26[i],
			RSI14:          rsi[i],
			BollingerUpper: upper[i],
			BollingerLower: lower[i],
			Volatility20:   vol[i],
		}
		if ema12[i] != nil && ema26[i] != nil {
			set.MACD = ptr(*ema12[i] - *ema26[i])
		}
		sets[i] = set
	}
	return sets
}

// WarmupLength is the number of points needed before the first complete indicator set.
const WarmupLength = LongSMAPeriod

func change(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var variance float64
	for _, v := range values {
		d := v - m
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

func ptr(v float64) *float64 { return &v }
