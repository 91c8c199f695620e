package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// State is the persisted per-account bookkeeping.
type State struct {
	Day         string            `json:"day"` // UTC date the counters belong to
	TradesToday map[string]int    `json:"trades_today"`
	Disabled    map[string]string `json:"disabled"` // account -> reason
	UpdatedAt   time.Time         `json:"updated_at"`
}

func newState() *State {
	return &State{TradesToday: map[string]int{}, Disabled: map[string]string{}}
}

// LoadState reads the ledger state from a JSON file. Returns a zero state if the file doesn't exist.
func LoadState(filePath string) (*State, error) {
	if filePath == "" {
		return newState(), nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}
	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.TradesToday == nil {
		state.TradesToday = map[string]int{}
	}
	if state.Disabled == nil {
		state.Disabled = map[string]string{}
	}
	return state, nil
}

// SaveState writes the ledger state to a JSON file.
func SaveState(filePath string, state *State) error {
	if filePath == "" {
		return nil
	}
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}
