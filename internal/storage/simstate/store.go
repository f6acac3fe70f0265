// Package simstate persists the simulated brokerage's accounts so restarts
// keep balances, holdings and already-acknowledged orders.
package simstate

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Store writes the simulator state to a single JSON file.
type Store struct {
	path string
}

// NewStore creates a state store at path. An empty path disables persistence.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return &Store{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}
	return &Store{path: path}, nil
}

// State represents all persisted simulator data. Amounts are decimal strings.
type State struct {
	Accounts map[string]Account     `json:"accounts"`
	Prices   map[string]string      `json:"prices"`
	Orders   map[string]StoredOrder `json:"orders"`
}

// Account is one simulated brokerage account.
type Account struct {
	Cash     string             `json:"cash"`
	Holdings map[string]Holding `json:"holdings"`
}

// Holding is a stored position.
type Holding struct {
	Quantity  string `json:"quantity"`
	AssetType string `json:"asset_type,omitempty"`
}

// StoredOrder is an acknowledged order keyed by client order id.
type StoredOrder struct {
	OrderID    string `json:"order_id"`
	AccountRef string `json:"account_ref"`
	Symbol     string `json:"symbol"`
	Action     string `json:"action"`
	Quantity   int64  `json:"quantity"`
	Price      string `json:"price"`
	Status     string `json:"status"`
}

// Load reads simulator state from disk. A missing file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read simulate state")
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode simulate state")
	}
	return &state, nil
}

// Save writes simulator state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode simulate state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write simulate state temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist simulate state")
	}
	return nil
}
