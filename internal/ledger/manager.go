// Package ledger owns the per-account daily trade counters and the set of
// accounts disabled after fatal gateway errors.
package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager is the single writer of ledger state.
type Manager struct {
	mu       sync.Mutex
	state    *State
	filePath string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source before the persisted state is rolled over.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager, loading or initializing state from disk.
// An empty filePath keeps the ledger in memory only.
func NewManager(filePath string, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	state, err := LoadState(filePath)
	if err != nil {
		return nil, err
	}
	m := &Manager{state: state, filePath: filePath, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.rollover()
	if err := m.save(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetClock overrides the time source used for day boundaries.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}

// rollover zeroes the counters when the UTC day changed. Caller holds mu.
func (m *Manager) rollover() bool {
	day := m.today()
	if m.state.Day == day {
		return false
	}
	m.state.Day = day
	m.state.TradesToday = map[string]int{}
	return true
}

// TradesToday returns the number of trades the account placed today.
func (m *Manager) TradesToday(account string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rollover() {
		m.persist("rollover")
	}
	return m.state.TradesToday[account]
}

// RecordTrade increments the account's daily counter and returns the new count.
func (m *Manager) RecordTrade(account string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	m.state.TradesToday[account]++
	m.persist("record trade")
	return m.state.TradesToday[account]
}

// ResetDaily zeroes every account's counter (called at UTC midnight).
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Day = m.today()
	m.state.TradesToday = map[string]int{}
	m.persist("daily reset")
}

// Disable excludes an account from both loops until ClearDisabled.
func (m *Manager) Disable(account, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.state.Disabled[account]; already {
		return
	}
	m.state.Disabled[account] = reason
	m.logger.Error("account disabled", zap.String("account", account), zap.String("reason", reason))
	m.persist("disable account")
}

// Disabled reports whether the account is excluded and why.
func (m *Manager) Disabled(account string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.state.Disabled[account]
	return reason, ok
}

// ClearDisabled re-enables every account. Called after a registry reload.
func (m *Manager) ClearDisabled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.state.Disabled) == 0 {
		return
	}
	m.logger.Info("re-enabling disabled accounts", zap.Int("count", len(m.state.Disabled)))
	m.state.Disabled = map[string]string{}
	m.persist("clear disabled")
}

// GetState returns a copy of the current state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := State{
		Day:         m.state.Day,
		TradesToday: make(map[string]int, len(m.state.TradesToday)),
		Disabled:    make(map[string]string, len(m.state.Disabled)),
		UpdatedAt:   m.state.UpdatedAt,
	}
	for k, v := range m.state.TradesToday {
		out.TradesToday[k] = v
	}
	for k, v := range m.state.Disabled {
		out.Disabled[k] = v
	}
	return out
}

func (m *Manager) persist(op string) {
	if err := m.save(); err != nil {
		m.logger.Error("failed to save ledger state", zap.String("op", op), zap.Error(err))
	}
}

func (m *Manager) save() error {
	return SaveState(m.filePath, m.state)
}
