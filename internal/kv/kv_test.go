package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolalarm/internal/config"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(":memory:")
	require.NoError(t, err, "Failed to open in-memory sqlite")
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "k", []byte("one")))
			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "one", string(got))

			require.NoError(t, s.Set(ctx, "k", []byte("two")))
			got, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "two", string(got))

			require.NoError(t, s.Delete(ctx, "k"))
			_, err = s.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, SetJSON(ctx, s, "p", payload{Name: "x", Count: 2}))

	var out payload
	require.NoError(t, GetJSON(ctx, s, "p", &out))
	assert.Equal(t, payload{Name: "x", Count: 2}, out)

	require.NoError(t, s.Set(ctx, "bad", []byte("{not json")))
	err := GetJSON(ctx, s, "bad", &out)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "allAlarmsEnabled", []byte("false")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "allAlarmsEnabled")
	require.NoError(t, err)
	assert.Equal(t, "false", string(got))
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(config.StoreConfig{Driver: "bogus"})
	assert.Error(t, err)
}
