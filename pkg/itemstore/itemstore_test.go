package itemstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureAndPut(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ensure("buckets", []Index{
		{Field: "time_key", Unique: true},
	}))

	err := s.Update(func(tx *Tx) error {
		return tx.Put("buckets", map[string]any{
			"time_key": "2026-07-30 10:00:00",
			"count":    float64(3),
		})
	})
	require.NoError(t, err)

	rec, found, err := s.SelectOne("buckets", "time_key", "2026-07-30 10:00:00")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(3), rec["count"])
}

func TestPutMissingUniqueFieldFails(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ensure("buckets", []Index{{Field: "time_key", Unique: true}}))

	err := s.Update(func(tx *Tx) error {
		return tx.Put("buckets", map[string]any{"count": float64(1)})
	})
	require.Error(t, err)
}

func TestSelectOnNonIndexedFieldFails(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ensure("buckets", []Index{{Field: "time_key", Unique: true}}))

	_, err := s.Select("buckets", "nope", "x")
	require.Error(t, err)
}

func TestEnsureRejectsPromotingIndexToUnique(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ensure("buckets", []Index{
		{Field: "time_key", Unique: true},
		{Field: "service", Unique: false},
	}))

	err := s.Ensure("buckets", []Index{
		{Field: "time_key", Unique: true},
		{Field: "service", Unique: true},
	})
	require.Error(t, err)
}

func TestEnsureRejectsAddingUniqueIndexLater(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ensure("buckets", []Index{{Field: "time_key", Unique: true}}))

	err := s.Ensure("buckets", []Index{
		{Field: "time_key", Unique: true},
		{Field: "service", Unique: true},
	})
	require.Error(t, err)
}

func TestPlainIndexAllowsMultipleMatches(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ensure("events", []Index{
		{Field: "id", Unique: true},
		{Field: "group", Unique: false},
	}))

	err := s.Update(func(tx *Tx) error {
		return tx.Put("events",
			map[string]any{"id": "1", "group": "router"},
			map[string]any{"id": "2", "group": "router"},
			map[string]any{"id": "3", "group": "daemon"},
		)
	})
	require.NoError(t, err)

	rows, err := s.Select("events", "group", "router")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	n, err := s.CountAll("events")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestReentrantUpdateFails(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ensure("t", []Index{{Field: "id", Unique: true}}))

	err := s.Update(func(tx *Tx) error {
		return s.Update(func(inner *Tx) error { return nil })
	})
	require.Error(t, err)
}
