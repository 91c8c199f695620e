package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"TradeWarden/internal/model"
)

// SQLiteRecorder persists the audit trail and protection state to SQLite.
type SQLiteRecorder struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, logger *zap.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode lets dashboards read while the bot writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, logger: logger}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("sqlite recorder opened", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       INTEGER NOT NULL,
			candle_time     INTEGER NOT NULL,
			account_id      TEXT NOT NULL,
			strategy_id     TEXT,
			instrument      TEXT NOT NULL,
			timeframe       TEXT,
			direction       TEXT,
			trigger_name    TEXT,
			entry_price     REAL,
			stop_distance   REAL,
			target_distance REAL,
			score           REAL,
			action          TEXT,
			breakdown       TEXT,
			indicators      TEXT,
			outcome         TEXT,
			reason          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_account ON signals(account_id, instrument)`,

		`CREATE TABLE IF NOT EXISTS approvals (
			correlation_id TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			instrument     TEXT NOT NULL,
			direction      TEXT,
			score          REAL,
			entry_price    REAL,
			status         TEXT NOT NULL,
			created_at     INTEGER NOT NULL,
			expires_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp      INTEGER NOT NULL,
			correlation_id TEXT,
			account_id     TEXT NOT NULL,
			strategy_id    TEXT,
			instrument     TEXT NOT NULL,
			direction      TEXT,
			mode           TEXT,
			score          REAL,
			size           REAL,
			notional       REAL,
			entry_price    REAL,
			filled_price   REAL,
			stop_price     REAL,
			target_price   REAL,
			order_id       TEXT,
			position_id    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(timestamp)`,

		`CREATE TABLE IF NOT EXISTS stage_transitions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   INTEGER NOT NULL,
			account_id  TEXT NOT NULL,
			position_id TEXT NOT NULL,
			instrument  TEXT,
			from_stage  TEXT,
			to_stage    TEXT,
			action      TEXT,
			price       REAL,
			gain        REAL,
			stop_before REAL,
			stop_after  REAL,
			reason      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_pos ON stage_transitions(account_id, position_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp      INTEGER NOT NULL,
			event_type     TEXT NOT NULL,
			account_id     TEXT,
			strategy_id    TEXT,
			instrument     TEXT,
			correlation_id TEXT,
			reason         TEXT,
			fields         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp)`,

		`CREATE TABLE IF NOT EXISTS position_states (
			account_id       TEXT NOT NULL,
			position_id      TEXT NOT NULL,
			instrument       TEXT,
			stage            TEXT NOT NULL,
			stop_price       REAL,
			partial_taken    INTEGER NOT NULL DEFAULT 0,
			peak_gain        REAL,
			first_seen_at    INTEGER,
			last_progress_at INTEGER,
			updated_at       INTEGER NOT NULL,
			PRIMARY KEY (account_id, position_id)
		)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordSignal(ctx context.Context, s *model.ScoredSignal, outcome, reason string) error {
	breakdown, err := json.Marshal(s.Breakdown())
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	indicators, err := json.Marshal(s.Signal.Indicators.Values())
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sig := s.Signal
	_, err = r.db.ExecContext(ctx, `INSERT INTO signals
		(timestamp, candle_time, account_id, strategy_id, instrument, timeframe, direction,
		 trigger_name, entry_price, stop_distance, target_distance, score, action,
		 breakdown, indicators, outcome, reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		time.Now().Unix(), sig.CandleTime.Unix(), sig.AccountID, sig.StrategyID, sig.Instrument,
		sig.Timeframe, string(sig.Direction), sig.Trigger, sig.EntryPrice, sig.StopDistance,
		sig.TargetDistance, s.Score, string(s.Action), string(breakdown), string(indicators),
		outcome, reason,
	)
	return err
}

// RecordApproval upserts the request so status changes overwrite the row.
func (r *SQLiteRecorder) RecordApproval(ctx context.Context, req *model.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig := req.Scored.Signal
	_, err := r.db.ExecContext(ctx, `INSERT INTO approvals
		(correlation_id, account_id, instrument, direction, score, entry_price, status,
		 created_at, expires_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(correlation_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		req.CorrelationID, sig.AccountID, sig.Instrument, string(sig.Direction), req.Scored.Score,
		sig.EntryPrice, string(req.Status), req.CreatedAt.Unix(), req.ExpiresAt.Unix(), time.Now().Unix(),
	)
	return err
}

func (r *SQLiteRecorder) RecordTrade(ctx context.Context, t *model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO trades
		(timestamp, correlation_id, account_id, strategy_id, instrument, direction, mode, score,
		 size, notional, entry_price, filled_price, stop_price, target_price, order_id, position_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ExecutedAt.Unix(), t.CorrelationID, t.AccountID, t.StrategyID, t.Instrument,
		string(t.Direction), t.Mode, t.Score, t.Size, t.Notional, t.EntryPrice, t.FilledPrice,
		t.StopPrice, t.TargetPrice, t.OrderID, t.PositionID,
	)
	return err
}

func (r *SQLiteRecorder) RecordTransition(ctx context.Context, tr *model.StageTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO stage_transitions
		(timestamp, account_id, position_id, instrument, from_stage, to_stage, action,
		 price, gain, stop_before, stop_after, reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		tr.At.Unix(), tr.AccountID, tr.PositionID, tr.Instrument, tr.From.String(), tr.To.String(),
		tr.Action, tr.Price, tr.Gain, tr.StopBefore, tr.StopAfter, tr.Reason,
	)
	return err
}

func (r *SQLiteRecorder) RecordEvent(ctx context.Context, e *model.Event) error {
	var fields []byte
	if len(e.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(e.Fields); err != nil {
			return fmt.Errorf("marshal event fields: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO events
		(timestamp, event_type, account_id, strategy_id, instrument, correlation_id, reason, fields)
		VALUES (?,?,?,?,?,?,?,?)`,
		ts.Unix(), string(e.Type), e.AccountID, e.StrategyID, e.Instrument, e.CorrelationID,
		e.Reason, string(fields),
	)
	return err
}

// Publish lets the recorder sit in a notifier fan-out as the event journal.
func (r *SQLiteRecorder) Publish(ctx context.Context, e model.Event) error {
	return r.RecordEvent(ctx, &e)
}

func (r *SQLiteRecorder) LoadProtection(ctx context.Context, account string) (map[string]model.ProtectionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `SELECT position_id, instrument, stage, stop_price,
		partial_taken, peak_gain, first_seen_at, last_progress_at, updated_at
		FROM position_states WHERE account_id = ?`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]model.ProtectionState{}
	for rows.Next() {
		var (
			st                           model.ProtectionState
			stage                        string
			partial                      int
			firstSeen, progress, updated int64
		)
		if err := rows.Scan(&st.PositionID, &st.Instrument, &stage, &st.StopPrice, &partial,
			&st.PeakGain, &firstSeen, &progress, &updated); err != nil {
			return nil, err
		}
		st.AccountID = account
		st.Stage = model.ParseStage(stage)
		st.PartialTaken = partial != 0
		st.FirstSeenAt = fromUnixNano(firstSeen)
		st.LastProgressAt = fromUnixNano(progress)
		st.UpdatedAt = fromUnixNano(updated)
		out[st.PositionID] = st
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) SaveProtection(ctx context.Context, st *model.ProtectionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	partial := 0
	if st.PartialTaken {
		partial = 1
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO position_states
		(account_id, position_id, instrument, stage, stop_price, partial_taken, peak_gain,
		 first_seen_at, last_progress_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(account_id, position_id) DO UPDATE SET
			stage = excluded.stage,
			stop_price = excluded.stop_price,
			partial_taken = excluded.partial_taken,
			peak_gain = excluded.peak_gain,
			last_progress_at = excluded.last_progress_at,
			updated_at = excluded.updated_at`,
		st.AccountID, st.PositionID, st.Instrument, st.Stage.String(), st.StopPrice, partial,
		st.PeakGain, toUnixNano(st.FirstSeenAt), toUnixNano(st.LastProgressAt), time.Now().UnixNano(),
	)
	return err
}

func (r *SQLiteRecorder) DeleteProtection(ctx context.Context, account, positionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM position_states WHERE account_id = ? AND position_id = ?`,
		account, positionID)
	return err
}

func (r *SQLiteRecorder) Close() error {
	r.logger.Info("closing sqlite recorder")
	return r.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
