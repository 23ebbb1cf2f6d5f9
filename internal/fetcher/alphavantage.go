package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-autopilot/internal/market"
)

// AlphaVantageName is the provider key used in logs and the rate-limit table.
const AlphaVantageName = "alpha_vantage"

const alphaVantageDateLayout = "2006-01-02"

// AlphaVantageOptions parameterise the Alpha Vantage fetcher.
type AlphaVantageOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// AlphaVantage fetches daily bars from the Alpha Vantage query API.
type AlphaVantage struct {
	opts    AlphaVantageOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAlphaVantage constructs an Alpha Vantage fetcher.
func NewAlphaVantage(opts AlphaVantageOptions, logger zerolog.Logger) *AlphaVantage {
	return &AlphaVantage{
		opts:    opts,
		logger:  logger.With().Str("component", "alpha_vantage_fetcher").Logger(),
		client:  newHTTPClient(opts.Timeout),
		baseURL: trimBaseURL(opts.BaseURL, "https://www.alphavantage.co"),
	}
}

func (a *AlphaVantage) Name() string { return AlphaVantageName }

func (a *AlphaVantage) IsConfigured() bool { return a.opts.APIKey != "" }

// FetchHistorical returns daily bars within windowDays of the newest bar, oldest first.
func (a *AlphaVantage) FetchHistorical(ctx context.Context, inst market.Instrument, windowDays int) ([]market.PricePoint, error) {
	if !a.IsConfigured() {
		return nil, unconfigured(AlphaVantageName)
	}

	// outputsize=full is premium-only; compact carries the latest 100 trading days.
	query := url.Values{}
	query.Set("function", "TIME_SERIES_DAILY")
	query.Set("symbol", inst.ID)
	query.Set("outputsize", "compact")
	query.Set("apikey", a.opts.APIKey)

	var res avDailyResponse
	if err := getJSON(ctx, a.client, AlphaVantageName, a.baseURL+"/query", query, &res); err != nil {
		return nil, err
	}
	if err := res.envelope.check(); err != nil {
		return nil, err
	}
	if len(res.Series) == 0 {
		return nil, emptyResult(AlphaVantageName, inst.ID)
	}

	points := make([]market.PricePoint, 0, len(res.Series))
	for day, bar := range res.Series {
		ts, err := time.Parse(alphaVantageDateLayout, day)
		if err != nil {
			return nil, parseError(AlphaVantageName, err)
		}
		point, err := bar.toPoint(inst.ID, ts)
		if err != nil {
			return nil, parseError(AlphaVantageName, err)
		}
		points = append(points, point)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	return trimWindow(points, windowDays), nil
}

// FetchLatest returns the GLOBAL_QUOTE snapshot for inst.
func (a *AlphaVantage) FetchLatest(ctx context.Context, inst market.Instrument) (*market.PricePoint, error) {
	if !a.IsConfigured() {
		return nil, unconfigured(AlphaVantageName)
	}

	query := url.Values{}
	query.Set("function", "GLOBAL_QUOTE")
	query.Set("symbol", inst.ID)
	query.Set("apikey", a.opts.APIKey)

	var res avQuoteResponse
	if err := getJSON(ctx, a.client, AlphaVantageName, a.baseURL+"/query", query, &res); err != nil {
		return nil, err
	}
	if err := res.envelope.check(); err != nil {
		return nil, err
	}
	if res.Quote.Price == "" {
		return nil, emptyResult(AlphaVantageName, inst.ID)
	}

	ts, err := time.Parse(alphaVantageDateLayout, res.Quote.LatestDay)
	if err != nil {
		return nil, parseError(AlphaVantageName, err)
	}
	bar := avBar{Open: res.Quote.Open, High: res.Quote.High, Low: res.Quote.Low, Close: res.Quote.Price, Volume: res.Quote.Volume}
	point, err := bar.toPoint(inst.ID, ts)
	if err != nil {
		return nil, parseError(AlphaVantageName, err)
	}
	return &point, nil
}

// envelope carries the soft errors Alpha Vantage reports with HTTP 200.
type envelope struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

func (e envelope) check() error {
	switch {
	case e.ErrorMessage != "":
		return upstreamMessage(AlphaVantageName, e.ErrorMessage)
	case e.Note != "":
		return rateLimited(AlphaVantageName, e.Note)
	case e.Information != "" && strings.Contains(strings.ToLower(e.Information), "premium"):
		return upstreamMessage(AlphaVantageName, e.Information)
	case e.Information != "":
		return rateLimited(AlphaVantageName, e.Information)
	}
	return nil
}

type avDailyResponse struct {
	envelope
	Series map[string]avBar `json:"Time Series (Daily)"`
}

type avQuoteResponse struct {
	envelope
	Quote struct {
		Open      string `json:"02. open"`
		High      string `json:"03. high"`
		Low       string `json:"04. low"`
		Price     string `json:"05. price"`
		Volume    string `json:"06. volume"`
		LatestDay string `json:"07. latest trading day"`
	} `json:"Global Quote"`
}

type avBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

func (b avBar) toPoint(instrumentID string, ts time.Time) (market.PricePoint, error) {
	open, err := parseDecimal(b.Open)
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("open: %w", err)
	}
	high, err := parseDecimal(b.High)
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("high: %w", err)
	}
	low, err := parseDecimal(b.Low)
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("low: %w", err)
	}
	closeValue, err := parseDecimal(b.Close)
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("close: %w", err)
	}
	volume, err := parseVolume(b.Volume)
	if err != nil {
		return market.PricePoint{}, fmt.Errorf("volume: %w", err)
	}
	return market.PricePoint{
		InstrumentID: instrumentID,
		Timestamp:    ts.UTC(),
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closeValue,
		Volume:       volume,
		Source:       AlphaVantageName,
	}, nil
}

// trimWindow keeps points within windowDays of the newest one. Input must be sorted ascending.
func trimWindow(points []market.PricePoint, windowDays int) []market.PricePoint {
	if windowDays <= 0 || len(points) == 0 {
		return points
	}
	cutoff := points[len(points)-1].Timestamp.AddDate(0, 0, -windowDays)
	idx := sort.Search(len(points), func(i int) bool { return points[i].Timestamp.After(cutoff) })
	return points[idx:]
}

var _ DataSource = (*AlphaVantage)(nil)
