package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return &Client{
		send: make(chan any, 8),
	}
}

func TestMintedTokensAreUnique(t *testing.T) {
	store := newSessionStore()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := store.mintToken(nil)
		require.Len(t, tok, 8)
		require.False(t, seen[tok], "token %q minted twice", tok)
		seen[tok] = true
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	store := newSessionStore()

	seen := make(map[string]bool)
	for fid := uint64(1); fid <= 500; fid++ {
		sess := store.getOrCreate(fid)
		require.False(t, seen[sess.ID])
		seen[sess.ID] = true
	}
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	store := newSessionStore()

	first := store.getOrCreate(42)
	second := store.getOrCreate(42)

	assert.Same(t, first, second)
}

func TestMergePayloadIsIdempotent(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	partial := map[string]any{"x": 1, "y": "hello"}

	require.NoError(t, store.mergePayload(42, partial))
	require.NoError(t, store.mergePayload(42, partial))

	assert.Equal(t, map[string]any{"x": 1, "y": "hello"}, sess.Payload)
}

func TestMergePayloadIsUnionOverKeys(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	require.NoError(t, store.mergePayload(42, map[string]any{"a": 1, "b": 1}))
	require.NoError(t, store.mergePayload(42, map[string]any{"b": 2, "c": 3}))

	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, sess.Payload)
}

func TestMergePayloadUnknownSession(t *testing.T) {
	store := newSessionStore()

	err := store.mergePayload(99, map[string]any{"x": 1})

	assert.ErrorIs(t, err, errSessionNotFound)
}

func TestRebindSupersedesPreviousChannel(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	first := newTestClient()
	second := newTestClient()

	store.bindChannel(sess, first)
	store.bindChannel(sess, second)

	status := store.push(42, "ping")
	require.Equal(t, Delivered, status)

	select {
	case msg := <-second.send:
		assert.Equal(t, "ping", msg)
	default:
		t.Fatal("expected push to reach the superseding channel")
	}

	// The superseded channel got shut down, never the new message.
	_, open := <-first.send
	assert.False(t, open, "superseded channel should be closed")
}

func TestPushWithoutChannelIsDropped(t *testing.T) {
	store := newSessionStore()
	store.getOrCreate(42)

	assert.Equal(t, NoChannelBound, store.push(42, "ping"))
	assert.Equal(t, NoChannelBound, store.push(99, "ping"), "unknown fid also drops")
}

func TestReleaseChannelIgnoresSupersededClient(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	first := newTestClient()
	second := newTestClient()

	store.bindChannel(sess, first)
	store.bindChannel(sess, second)

	// The superseded connection tears down late; its release must not
	// evict the successor.
	store.releaseChannel(sess, first)

	assert.Equal(t, Delivered, store.push(42, "ping"))

	store.releaseChannel(sess, second)

	assert.Equal(t, NoChannelBound, store.push(42, "ping"))
}

func TestPushToFullChannelAbandonsIt(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	c := &Client{send: make(chan any)} // unbuffered, nobody reading
	store.bindChannel(sess, c)

	require.Equal(t, ChannelFull, store.push(42, "ping"))
	assert.Equal(t, NoChannelBound, store.push(42, "ping"), "channel should be gone after saturation")
}

func TestReplayAfterReconnect(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	// Webhook merges while nobody is connected; the push is dropped.
	require.NoError(t, store.mergePayload(42, map[string]any{"x": 1}))

	sess.mu.Lock()
	snap := sess.userDataLocked()
	sess.mu.Unlock()

	require.Equal(t, NoChannelBound, store.push(42, snap))

	// A client binds later and receives the accumulated payload.
	c := newTestClient()
	sess.mu.Lock()
	sess.bindChannelLocked(c)
	status := sess.pushLocked(sess.userDataLocked())
	sess.mu.Unlock()

	require.Equal(t, Delivered, status)

	msg := <-c.send
	data, ok := msg.(UserDataMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(42), data.FID)
	assert.Equal(t, map[string]any{"x": 1}, data.Data)
}

func TestTokenBinding(t *testing.T) {
	store := newSessionStore()

	c := newTestClient()
	tok := store.mintToken(c)

	// Unbound token resolves to no session but surfaces the minter.
	sess, minter, ok := store.byToken(tok)
	require.True(t, ok)
	assert.Nil(t, sess)
	assert.Same(t, c, minter)

	created := store.getOrCreate(42)
	store.bindToken(tok, 42)

	sess, _, ok = store.byToken(tok)
	require.True(t, ok)
	assert.Same(t, created, sess)

	// Session IDs are indexed too.
	sess, _, ok = store.byToken(created.ID)
	require.True(t, ok)
	assert.Same(t, created, sess)

	store.dropToken(tok)
	_, _, ok = store.byToken(tok)
	assert.False(t, ok)

	// Dropping a connection token leaves the session ID entry alone.
	_, _, ok = store.byToken(created.ID)
	assert.True(t, ok)
}

func TestRemoveSession(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	store.remove(42)
	store.remove(42) // no-op on a missing key

	_, ok := store.get(42)
	assert.False(t, ok)
	_, _, ok = store.byToken(sess.ID)
	assert.False(t, ok)
}

func TestCommitProfileIsWriteOnce(t *testing.T) {
	store := newSessionStore()
	sess := store.getOrCreate(42)

	first := &Profile{FID: 42, Username: "alice"}
	second := &Profile{FID: 42, Username: "impostor"}

	sess.commitProfile(first)
	sess.commitProfile(second)

	assert.Same(t, first, sess.Profile)
}
