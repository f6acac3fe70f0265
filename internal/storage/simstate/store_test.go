package simstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := NewStore(path)
	require.NoError(t, err)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, s.Save(State{
		Accounts: map[string]Account{"ACC-1": {Cash: "100.5", Holdings: map[string]Holding{"AAPL": {Quantity: "3"}}}},
		Prices:   map[string]string{"AAPL": "150"},
		Orders:   map[string]StoredOrder{"b1-0": {OrderID: "SIM-1", Symbol: "AAPL", Quantity: 3}},
	}))

	state, err = s.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "100.5", state.Accounts["ACC-1"].Cash)
	assert.Equal(t, "3", state.Accounts["ACC-1"].Holdings["AAPL"].Quantity)
	assert.Equal(t, "SIM-1", state.Orders["b1-0"].OrderID)
}

func TestStore_Disabled(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	require.NoError(t, s.Save(State{}))
	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}
