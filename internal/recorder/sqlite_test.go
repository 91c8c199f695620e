package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"TradeWarden/internal/model"
)

func openTemp(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "audit", "tw.db"), nil)
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func count(t *testing.T, r *SQLiteRecorder, table string) int {
	t.Helper()
	var n int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestSQLiteRecorder_AuditTrail(t *testing.T) {
	ctx := context.Background()
	r := openTemp(t)
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	scored := &model.ScoredSignal{
		Signal: model.Signal{
			AccountID: "acc-1", StrategyID: "ema-cross", Instrument: "EURUSD", Timeframe: "5m",
			Direction: model.Long, EntryPrice: 1.1, StopDistance: 0.002, TargetDistance: 0.004,
			CandleTime: now, Trigger: "ema_cross",
		},
		Score:   72,
		Factors: []model.FactorScore{{Name: "trend", Value: 0.8, Cap: 20, Points: 16}},
		Action:  model.ActionNeedsApproval,
	}
	if err := r.RecordSignal(ctx, scored, OutcomeApproval, ""); err != nil {
		t.Fatalf("record signal: %v", err)
	}

	req := &model.ApprovalRequest{
		CorrelationID: "c-1", Scored: *scored, CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
		Status: model.ApprovalPending,
	}
	if err := r.RecordApproval(ctx, req); err != nil {
		t.Fatalf("record approval: %v", err)
	}
	req.Status = model.ApprovalExpired
	if err := r.RecordApproval(ctx, req); err != nil {
		t.Fatalf("update approval: %v", err)
	}
	var status string
	if err := r.db.QueryRow("SELECT status FROM approvals WHERE correlation_id = 'c-1'").Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != string(model.ApprovalExpired) {
		t.Errorf("expected upserted status EXPIRED, got %s", status)
	}

	if err := r.RecordTrade(ctx, &model.Trade{AccountID: "acc-1", Instrument: "EURUSD", ExecutedAt: now}); err != nil {
		t.Fatalf("record trade: %v", err)
	}
	if err := r.RecordTransition(ctx, &model.StageTransition{
		AccountID: "acc-1", PositionID: "p-1", From: model.StageNone, To: model.StageBreakevenSet, At: now,
	}); err != nil {
		t.Fatalf("record transition: %v", err)
	}
	if err := r.Publish(ctx, model.Event{Type: model.EventSignalDropped, AccountID: "acc-1", Reason: "daily limit"}); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	for table, want := range map[string]int{
		"signals": 1, "approvals": 1, "trades": 1, "stage_transitions": 1, "events": 1,
	} {
		if got := count(t, r, table); got != want {
			t.Errorf("%s: expected %d rows, got %d", table, want, got)
		}
	}
}

func TestSQLiteRecorder_ProtectionState(t *testing.T) {
	ctx := context.Background()
	r := openTemp(t)
	seen := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	st := &model.ProtectionState{
		AccountID: "acc-1", PositionID: "p-1", Instrument: "EURUSD",
		Stage: model.StageBreakevenSet, StopPrice: 1.1002, PeakGain: 0.0016,
		FirstSeenAt: seen, LastProgressAt: seen.Add(time.Minute),
	}
	if err := r.SaveProtection(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	st.Stage = model.StagePartialTaken
	st.PartialTaken = true
	if err := r.SaveProtection(ctx, st); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := r.LoadProtection(ctx, "acc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded, ok := got["p-1"]
	if !ok {
		t.Fatal("state not found")
	}
	if loaded.Stage != model.StagePartialTaken || !loaded.PartialTaken || loaded.StopPrice != 1.1002 {
		t.Errorf("unexpected state %+v", loaded)
	}
	if !loaded.FirstSeenAt.Equal(seen) {
		t.Errorf("first seen lost: %s", loaded.FirstSeenAt)
	}

	if err := r.DeleteProtection(ctx, "acc-1", "p-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = r.LoadProtection(ctx, "acc-1")
	if len(got) != 0 {
		t.Errorf("expected no state after delete, got %d", len(got))
	}
}

func TestMemoryStateStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStateStore()
	_ = m.SaveProtection(ctx, &model.ProtectionState{AccountID: "acc-1", PositionID: "p-1", Stage: model.StageTrailing})
	got, _ := m.LoadProtection(ctx, "acc-1")
	if got["p-1"].Stage != model.StageTrailing {
		t.Fatalf("unexpected %+v", got)
	}
	_ = m.DeleteProtection(ctx, "acc-1", "p-1")
	if got, _ := m.LoadProtection(ctx, "acc-1"); len(got) != 0 {
		t.Error("expected empty after delete")
	}
}
