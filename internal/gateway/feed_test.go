package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestYahooFeed_ParsesChart(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	ts := []int64{
		t0.Unix(),
		t0.Add(5 * time.Minute).Unix(),
		t0.Add(10 * time.Minute).Unix(),
		t0.Add(15 * time.Minute).Unix(), // still forming at now
	}
	body := fmt.Sprintf(`{"chart":{"result":[{"timestamp":[%d,%d,%d,%d],
		"indicators":{"quote":[{
			"open":[1.10,null,1.12,1.13],
			"high":[1.11,null,1.13,1.14],
			"low":[1.09,null,1.11,1.12],
			"close":[1.105,null,1.125,1.135],
			"volume":[100,null,300,400]}]}}],"error":null}}`, ts[0], ts[1], ts[2], ts[3])

	var gotPath, gotInterval string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotInterval = r.URL.Query().Get("interval")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewYahooFeed("", map[string]string{"EURUSD": "EURUSD=X"})
	f.BaseURL = srv.URL
	f.now = func() time.Time { return t0.Add(17 * time.Minute) }

	bars, err := f.FetchCandles(context.Background(), "EURUSD", "5m", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/v8/finance/chart/EURUSD=X" {
		t.Errorf("requested %q, want mapped ticker path", gotPath)
	}
	if gotInterval != "5m" {
		t.Errorf("interval = %q, want 5m", gotInterval)
	}
	// Null bar skipped and forming bar trimmed.
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d: %+v", len(bars), bars)
	}
	if !bars[0].Time.Equal(t0) || !bars[1].Time.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("unexpected bar times %v, %v", bars[0].Time, bars[1].Time)
	}
	if bars[1].Close != 1.125 || bars[1].Volume != 300 {
		t.Errorf("unexpected bar %+v", bars[1])
	}
	if bars[0].Instrument != "EURUSD" || bars[0].Timeframe != "5m" {
		t.Errorf("bar not tagged with instrument and timeframe: %+v", bars[0])
	}
}

func TestYahooFeed_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", http.StatusOK, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`, "No data found"},
		{"empty result", http.StatusOK, `{"chart":{"result":[],"error":null}}`, "no data returned"},
		{"bad status", http.StatusTooManyRequests, `slow down`, "status 429"},
		{"bad json", http.StatusOK, `{`, "yahoo decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			f := NewYahooFeed("", nil)
			f.BaseURL = srv.URL
			_, err := f.FetchCandles(context.Background(), "EURUSD", "5m", 10)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRESTFeed_FetchCandles(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	var raw []restBar
	// Served newest first; the feed sorts.
	for i := 4; i >= 0; i-- {
		at := t0.Add(time.Duration(i) * 15 * time.Minute)
		raw = append(raw, restBar{Timestamp: at.Unix(), Open: 1, High: 1.2, Low: 0.9, Close: 1 + float64(i)/100, Volume: 10})
	}

	var auth, limit, symbol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bars" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		limit = r.URL.Query().Get("limit")
		symbol = r.URL.Query().Get("symbol")
		json.NewEncoder(w).Encode(raw)
	}))
	defer srv.Close()

	f := NewRESTFeed(srv.URL, "secret", "")
	// Bar at t0+60m is still forming.
	f.now = func() time.Time { return t0.Add(70 * time.Minute) }

	bars, err := f.FetchCandles(context.Background(), "GBPUSD", "15m", 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("authorization = %q", auth)
	}
	if limit != "4" || symbol != "GBPUSD" {
		t.Errorf("query limit=%q symbol=%q", limit, symbol)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}
	for i, want := range []time.Time{t0.Add(15 * time.Minute), t0.Add(30 * time.Minute), t0.Add(45 * time.Minute)} {
		if !bars[i].Time.Equal(want) {
			t.Errorf("bar %d at %v, want %v", i, bars[i].Time, want)
		}
	}
	if bars[2].Close != 1.03 {
		t.Errorf("last close = %v, want 1.03", bars[2].Close)
	}
}

func TestRESTFeed_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	f := NewRESTFeed(srv.URL, "", "")
	_, err := f.FetchCandles(context.Background(), "GBPUSD", "15m", 3)
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Errorf("expected status error, got %v", err)
	}
}
