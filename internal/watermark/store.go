// Package watermark records the last candle scanned per (account,
// strategy, instrument) so a candle close produces at most one signal.
package watermark

import (
	"context"
	"time"
)

// Store advances watermarks atomically.
type Store interface {
	// Advance moves key to t and reports true only when t is strictly
	// after the stored value. Concurrent callers with the same t see
	// exactly one true.
	Advance(ctx context.Context, key string, t time.Time) (bool, error)
	Get(ctx context.Context, key string) (t time.Time, found bool, err error)
}

// Key builds the watermark key for a strategy scanning an instrument.
func Key(account, strategy, instrument, timeframe string) string {
	return account + "|" + strategy + "|" + instrument + "|" + timeframe
}
