package recorder

import (
	"context"
	"sync"

	"TradeWarden/internal/model"
)

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordSignal(context.Context, *model.ScoredSignal, string, string) error {
	return nil
}
func (n *NoopRecorder) RecordApproval(context.Context, *model.ApprovalRequest) error   { return nil }
func (n *NoopRecorder) RecordTrade(context.Context, *model.Trade) error                { return nil }
func (n *NoopRecorder) RecordTransition(context.Context, *model.StageTransition) error { return nil }
func (n *NoopRecorder) RecordEvent(context.Context, *model.Event) error                { return nil }
func (n *NoopRecorder) Close() error                                                   { return nil }

// MemoryStateStore keeps protection state in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]map[string]model.ProtectionState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: map[string]map[string]model.ProtectionState{}}
}

func (m *MemoryStateStore) LoadProtection(_ context.Context, account string) (map[string]model.ProtectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.ProtectionState, len(m.states[account]))
	for id, st := range m.states[account] {
		out[id] = st
	}
	return out, nil
}

func (m *MemoryStateStore) SaveProtection(_ context.Context, st *model.ProtectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[st.AccountID] == nil {
		m.states[st.AccountID] = map[string]model.ProtectionState{}
	}
	m.states[st.AccountID][st.PositionID] = *st
	return nil
}

func (m *MemoryStateStore) DeleteProtection(_ context.Context, account, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states[account], positionID)
	return nil
}
