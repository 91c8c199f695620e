package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
)

// Feed supplies candles to the paper broker.
type Feed interface {
	FetchCandles(ctx context.Context, instrument, timeframe string, count int) ([]model.Candle, error)
	Name() string
}

func newHTTPClient(proxyURL string) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
}

// closedOnly drops bars that have not finished at now and trims to count.
func closedOnly(bars []model.Candle, tf time.Duration, now time.Time, count int) []model.Candle {
	for len(bars) > 0 && bars[len(bars)-1].Time.Add(tf).After(now) {
		bars = bars[:len(bars)-1]
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars
}

// Resample aggregates bars into buckets of tf aligned to the Unix epoch.
// Feeds use it when the upstream API has no native interval for tf.
func Resample(bars []model.Candle, timeframe string, tf time.Duration) []model.Candle {
	if len(bars) == 0 {
		return nil
	}
	var out []model.Candle
	var cur model.Candle
	started := false
	for _, b := range bars {
		bucket := b.Time.Truncate(tf)
		if !started || !bucket.Equal(cur.Time) {
			if started {
				out = append(out, cur)
			}
			cur = model.Candle{
				Instrument: b.Instrument, Timeframe: timeframe, Time: bucket,
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			}
			started = true
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	return append(out, cur)
}

// YahooFeed reads the public Yahoo Finance chart API.
type YahooFeed struct {
	Client    *http.Client
	SymbolMap map[string]string // instrument -> Yahoo ticker
	BaseURL   string
	now       func() time.Time
}

// NewYahooFeed creates a Yahoo feed with optional proxy support.
func NewYahooFeed(proxyURL string, symbols map[string]string) *YahooFeed {
	if symbols == nil {
		symbols = map[string]string{}
	}
	return &YahooFeed{
		Client:    newHTTPClient(proxyURL),
		SymbolMap: symbols,
		BaseURL:   "https://query1.finance.yahoo.com",
		now:       time.Now,
	}
}

func (f *YahooFeed) Name() string { return "yahoo" }

// Instruments lists the mapped instruments; an empty map accepts any.
func (f *YahooFeed) Instruments(context.Context) ([]string, error) {
	out := make([]string, 0, len(f.SymbolMap))
	for inst := range f.SymbolMap {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out, nil
}

func (f *YahooFeed) yahooSymbol(instrument string) string {
	if mapped, ok := f.SymbolMap[instrument]; ok {
		return mapped
	}
	return instrument
}

// yahooChart is the response structure from Yahoo Finance chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func deref(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}

var yahooIntervals = map[time.Duration]string{
	time.Minute:        "1m",
	2 * time.Minute:    "2m",
	5 * time.Minute:    "5m",
	15 * time.Minute:   "15m",
	30 * time.Minute:   "30m",
	time.Hour:          "60m",
	90 * time.Minute:   "90m",
	24 * time.Hour:     "1d",
	7 * 24 * time.Hour: "1wk",
}

// yahooRange picks the smallest chart range covering span.
func yahooRange(span time.Duration) string {
	day := 24 * time.Hour
	switch {
	case span <= day:
		return "1d"
	case span <= 5*day:
		return "5d"
	case span <= 30*day:
		return "1mo"
	case span <= 90*day:
		return "3mo"
	case span <= 180*day:
		return "6mo"
	case span <= 365*day:
		return "1y"
	default:
		return "2y"
	}
}

func (f *YahooFeed) FetchCandles(ctx context.Context, instrument, timeframe string, count int) ([]model.Candle, error) {
	tf, err := registry.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	base, interval := tf, yahooIntervals[tf]
	if interval == "" {
		// No native interval: fetch the largest dividing one and resample.
		base, interval = time.Minute, "1m"
		for d, name := range yahooIntervals {
			if d > base && tf%d == 0 {
				base, interval = d, name
			}
		}
	}
	// Markets close; ask for three times the nominal span.
	span := tf * time.Duration(count) * 3
	bars, err := f.fetchChart(ctx, instrument, timeframe, interval, yahooRange(span))
	if err != nil {
		return nil, err
	}
	if base != tf {
		bars = Resample(bars, timeframe, tf)
	}
	return closedOnly(bars, tf, f.now(), count), nil
}

func (f *YahooFeed) fetchChart(ctx context.Context, instrument, timeframe, interval, rng string) ([]model.Candle, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		f.BaseURL, url.PathEscape(f.yahooSymbol(instrument)), interval, rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yahoo read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo: status %d, body: %s", resp.StatusCode, string(body))
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("yahoo decode: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo api error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo: no data returned for %s", instrument)
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	bars := make([]model.Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		o, h, l, c := deref(quote.Open, i), deref(quote.High, i), deref(quote.Low, i), deref(quote.Close, i)
		if o == 0 && h == 0 && l == 0 && c == 0 {
			continue // null bars (holidays, halts)
		}
		bars = append(bars, model.Candle{
			Instrument: instrument,
			Timeframe:  timeframe,
			Time:       time.Unix(ts, 0).UTC(),
			Open:       o,
			High:       h,
			Low:        l,
			Close:      c,
			Volume:     deref(quote.Volume, i),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

// RESTFeed reads bars from a JSON bars endpoint:
// GET {base}/api/v1/bars?symbol=..&timeframe=..&limit=.. returning
// [{"timestamp":..,"open":..,"high":..,"low":..,"close":..,"volume":..}].
type RESTFeed struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	now     func() time.Time
}

// NewRESTFeed creates a REST feed with optional proxy support.
func NewRESTFeed(baseURL, apiKey, proxyURL string) *RESTFeed {
	return &RESTFeed{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  newHTTPClient(proxyURL),
		now:     time.Now,
	}
}

func (f *RESTFeed) Name() string { return "rest" }

type restBar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (f *RESTFeed) FetchCandles(ctx context.Context, instrument, timeframe string, count int) ([]model.Candle, error) {
	tf, err := registry.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", instrument)
	q.Set("timeframe", timeframe)
	// One extra in case the newest bar is still forming.
	q.Set("limit", fmt.Sprint(count+1))
	endpoint := f.BaseURL + "/api/v1/bars?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bars: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch bars: status %d, body: %s", resp.StatusCode, string(body))
	}
	var raw []restBar
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode bars: %w", err)
	}
	bars := make([]model.Candle, len(raw))
	for i, rb := range raw {
		bars[i] = model.Candle{
			Instrument: instrument,
			Timeframe:  timeframe,
			Time:       time.Unix(rb.Timestamp, 0).UTC(),
			Open:       rb.Open,
			High:       rb.High,
			Low:        rb.Low,
			Close:      rb.Close,
			Volume:     rb.Volume,
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return closedOnly(bars, tf, f.now(), count), nil
}

// StaticFeed serves candles pushed by the caller. Used for dry runs and tests.
type StaticFeed struct {
	mu      sync.RWMutex
	candles map[string][]model.Candle
}

// NewStaticFeed creates an empty static feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{candles: make(map[string][]model.Candle)}
}

func (f *StaticFeed) Name() string { return "static" }

// Set replaces the candle history of an instrument.
func (f *StaticFeed) Set(instrument string, candles []model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[instrument] = append([]model.Candle(nil), candles...)
}

// Push appends one candle to an instrument's history.
func (f *StaticFeed) Push(c model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[c.Instrument] = append(f.candles[c.Instrument], c)
}

// Instruments lists the instruments with history.
func (f *StaticFeed) Instruments(context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.candles))
	for inst := range f.candles {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out, nil
}

func (f *StaticFeed) FetchCandles(_ context.Context, instrument, _ string, count int) ([]model.Candle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	bars, ok := f.candles[instrument]
	if !ok {
		return nil, fmt.Errorf("static feed: unknown instrument %s", instrument)
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return append([]model.Candle(nil), bars...), nil
}
