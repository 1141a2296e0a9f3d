package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SessionDB {
	db, err := openSessionDB(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSessionDBRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	payload := map[string]any{"x": float64(1), "fid": float64(42)}
	require.NoError(t, db.upsert(ctx, "abc-123", 42, payload))

	fid, got, err := db.lookup(ctx, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), fid)
	assert.Equal(t, payload, got)
}

func TestSessionDBUpsertReplaces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.upsert(ctx, "abc-123", 42, map[string]any{"x": float64(1)}))
	require.NoError(t, db.upsert(ctx, "abc-123", 42, map[string]any{"x": float64(1), "y": float64(2)}))

	_, got, err := db.lookup(ctx, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, got)
}

func TestSessionDBLookupMissing(t *testing.T) {
	db := newTestDB(t)

	_, _, err := db.lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, errSessionNotFound)
}

func TestSessionDBNilIsVolatileMode(t *testing.T) {
	var db *SessionDB

	assert.NoError(t, db.upsert(context.Background(), "abc", 42, nil))

	_, _, err := db.lookup(context.Background(), "abc")
	assert.ErrorIs(t, err, errSessionNotFound)
}
