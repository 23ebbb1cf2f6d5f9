package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-autopilot/internal/market"
)

// FinnhubName is the provider key used in logs and the rate-limit table.
const FinnhubName = "finnhub"

// FinnhubOptions parameterise the Finnhub REST fetcher.
type FinnhubOptions struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// Finnhub fetches candles and quotes from the Finnhub REST API.
type Finnhub struct {
	opts    FinnhubOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewFinnhub constructs a Finnhub fetcher.
func NewFinnhub(opts FinnhubOptions, logger zerolog.Logger) *Finnhub {
	return &Finnhub{
		opts:    opts,
		logger:  logger.With().Str("component", "finnhub_fetcher").Logger(),
		client:  newHTTPClient(opts.Timeout),
		baseURL: trimBaseURL(opts.BaseURL, "https://finnhub.io/api/v1"),
		now:     time.Now,
	}
}

func (f *Finnhub) Name() string { return FinnhubName }

func (f *Finnhub) IsConfigured() bool { return f.opts.Token != "" }

// FetchHistorical returns daily candles for the last windowDays calendar days.
func (f *Finnhub) FetchHistorical(ctx context.Context, inst market.Instrument, windowDays int) ([]market.PricePoint, error) {
	if !f.IsConfigured() {
		return nil, unconfigured(FinnhubName)
	}
	if windowDays <= 0 {
		windowDays = 1
	}

	to := f.now().UTC()
	from := to.AddDate(0, 0, -windowDays)

	query := url.Values{}
	query.Set("symbol", inst.ID)
	query.Set("resolution", "D")
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))
	query.Set("token", f.opts.Token)

	var res candleResponse
	if err := getJSON(ctx, f.client, FinnhubName, f.baseURL+"/stock/candle", query, &res); err != nil {
		return nil, err
	}
	if res.Status == "no_data" || len(res.Timestamps) == 0 {
		return nil, emptyResult(FinnhubName, inst.ID)
	}
	if res.Status != "ok" {
		return nil, upstreamMessage(FinnhubName, "unexpected candle status "+strconv.Quote(res.Status))
	}

	n := len(res.Timestamps)
	if len(res.Open) != n || len(res.High) != n || len(res.Low) != n || len(res.Close) != n || len(res.Volume) != n {
		return nil, upstreamMessage(FinnhubName, "candle arrays have mismatched lengths")
	}

	points := make([]market.PricePoint, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, market.PricePoint{
			InstrumentID: inst.ID,
			Timestamp:    time.Unix(res.Timestamps[i], 0).UTC(),
			Open:         decimal.NewFromFloat(res.Open[i]),
			High:         decimal.NewFromFloat(res.High[i]),
			Low:          decimal.NewFromFloat(res.Low[i]),
			Close:        decimal.NewFromFloat(res.Close[i]),
			Volume:       int64(res.Volume[i]),
			Source:       FinnhubName,
		})
	}
	return points, nil
}

// FetchLatest returns the current quote for inst.
func (f *Finnhub) FetchLatest(ctx context.Context, inst market.Instrument) (*market.PricePoint, error) {
	if !f.IsConfigured() {
		return nil, unconfigured(FinnhubName)
	}

	query := url.Values{}
	query.Set("symbol", inst.ID)
	query.Set("token", f.opts.Token)

	var res quoteResponse
	if err := getJSON(ctx, f.client, FinnhubName, f.baseURL+"/quote", query, &res); err != nil {
		return nil, err
	}
	if res.Timestamp == 0 || res.Current == 0 {
		return nil, emptyResult(FinnhubName, inst.ID)
	}

	return &market.PricePoint{
		InstrumentID: inst.ID,
		Timestamp:    time.Unix(res.Timestamp, 0).UTC(),
		Open:         decimal.NewFromFloat(res.Open),
		High:         decimal.NewFromFloat(res.High),
		Low:          decimal.NewFromFloat(res.Low),
		Close:        decimal.NewFromFloat(res.Current),
		Source:       FinnhubName,
	}, nil
}

type candleResponse struct {
	Close      []float64 `json:"c"`
	High       []float64 `json:"h"`
	Low        []float64 `json:"l"`
	Open       []float64 `json:"o"`
	Timestamps []int64   `json:"t"`
	Volume     []float64 `json:"v"`
	Status     string    `json:"s"`
}

type quoteResponse struct {
	Current   float64 `json:"c"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Open      float64 `json:"o"`
	PrevClose float64 `json:"pc"`
	Timestamp int64   `json:"t"`
}

var _ DataSource = (*Finnhub)(nil)
