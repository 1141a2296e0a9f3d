// Session correlation core.
//
// Sessions are keyed by Farcaster fid and survive reconnects; a browser
// client that reloads re-attaches to its session by sending another
// register message. Correlation tokens are connection-scoped: one is minted
// per websocket connection and handed to the client as sessionCreated, so a
// composer submission can reference the originating connection (via the
// x-session-id header) before the client has registered a fid.

package main

import (
	"crypto/rand"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PushStatus reports what happened to a pushed event. Delivery is
// fire-and-forget: a session with no bound channel drops the event, and the
// next register replays the payload snapshot instead.
type PushStatus int

const (
	Delivered PushStatus = iota
	NoChannelBound
	ChannelFull
)

func (s PushStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case NoChannelBound:
		return "no channel bound"
	case ChannelFull:
		return "channel full"
	default:
		return "unknown"
	}
}

// Session correlates a fid with its accumulated composer payload, resolved
// profile, and (at most one) live websocket client.
type Session struct {
	ID      string
	FID     uint64
	Payload map[string]any
	Profile *Profile

	// mu serializes all read-modify-write sequences on this session.
	// Never held across outbound network calls.
	mu         sync.Mutex
	client     *Client
	lastActive time.Time
}

// mergePayloadLocked shallow-merges partial into the payload. Union over
// keys, so redelivered submissions are harmless.
func (s *Session) mergePayloadLocked(partial map[string]any) {
	if s.Payload == nil {
		s.Payload = make(map[string]any, len(partial))
	}
	maps.Copy(s.Payload, partial)
	s.lastActive = time.Now()
}

// pushLocked sends a message frame to the bound client, if any. A saturated
// send buffer abandons the channel entirely rather than blocking.
func (s *Session) pushLocked(msg any) PushStatus {
	if s.client == nil {
		return NoChannelBound
	}

	switch status := s.client.trySend(msg); status {
	case Delivered:
		return Delivered
	case ChannelFull:
		s.client.shutdown()
		s.client = nil
		return ChannelFull
	default:
		// already torn down elsewhere
		s.client = nil
		return NoChannelBound
	}
}

// userDataLocked builds the userData frame for the session's current state.
// The user field is omitted while the profile is unresolved.
func (s *Session) userDataLocked() UserDataMessage {
	return UserDataMessage{
		Type:      "userData",
		SessionID: s.ID,
		FID:       s.FID,
		Data:      maps.Clone(s.Payload),
		User:      s.Profile,
	}
}

// correlation is one entry in the token index: a short-lived token (or a
// session ID) pointing at a fid, plus the connection that minted it while
// the fid is still unknown.
type correlation struct {
	fid    uint64
	client *Client
}

// SessionStore owns all session records and the correlation-token index.
// It is passed explicitly to every component that needs it.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	tokens   map[string]*correlation
}

func newSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[uint64]*Session),
		tokens:   make(map[string]*correlation),
	}
}

// getOrCreate returns the session for fid, creating it on first use. The
// session ID is entered into the token index so x-session-id may carry
// either a connection token or a session ID.
func (st *SessionStore) getOrCreate(fid uint64) *Session {
	return st.getOrCreateWithID(fid, "")
}

// getOrCreateWithID is getOrCreate with a caller-chosen ID for the created
// session. The webhook path uses this to promote a correlation token into
// the session ID, so the identifier the client already holds keeps working.
// An empty id mints a fresh uuid. The ID is ignored when the session
// already exists.
func (st *SessionStore) getOrCreateWithID(fid uint64, id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if sess, ok := st.sessions[fid]; ok {
		return sess
	}

	if id == "" {
		id = uuid.NewString()
	}

	sess := &Session{
		ID:         id,
		FID:        fid,
		Payload:    make(map[string]any),
		lastActive: time.Now(),
	}
	st.sessions[fid] = sess
	st.tokens[sess.ID] = &correlation{fid: fid}

	return sess
}

func (st *SessionStore) get(fid uint64) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sess, ok := st.sessions[fid]
	return sess, ok
}

// adopt rehydrates a session recovered from the persistence tier under a
// previous process's ID. No-op if the fid already has a live session.
func (st *SessionStore) adopt(sessionID string, fid uint64, payload map[string]any) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if sess, ok := st.sessions[fid]; ok {
		return sess
	}

	sess := &Session{
		ID:         sessionID,
		FID:        fid,
		Payload:    payload,
		lastActive: time.Now(),
	}
	if sess.Payload == nil {
		sess.Payload = make(map[string]any)
	}
	st.sessions[fid] = sess
	st.tokens[sessionID] = &correlation{fid: fid}

	return sess
}

// mintToken generates a connection-scoped correlation token, distinct from
// every live token and session ID, and records the minting client.
func (st *SessionStore) mintToken(c *Client) string {
	st.mu.Lock()
	defer st.mu.Unlock()

	for {
		tok := randomToken(8)
		if _, exists := st.tokens[tok]; exists {
			continue
		}
		st.tokens[tok] = &correlation{client: c}
		return tok
	}
}

// bindToken associates an unbound token with a fid. Called on register, and
// by the webhook path when a submission arrives carrying a token whose
// connection has not registered yet.
func (st *SessionStore) bindToken(tok string, fid uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if corr, ok := st.tokens[tok]; ok {
		corr.fid = fid
	}
}

// byToken resolves a correlation token or session ID to its session.
// The second return is the connection that minted the token, when that
// connection is known and the token has not yet been bound to a fid.
func (st *SessionStore) byToken(tok string) (*Session, *Client, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	corr, ok := st.tokens[tok]
	if !ok {
		return nil, nil, false
	}
	if corr.fid == 0 {
		return nil, corr.client, true
	}
	sess, ok := st.sessions[corr.fid]
	if !ok {
		return nil, corr.client, false
	}
	return sess, corr.client, true
}

// dropToken removes a connection token when its websocket closes. Session
// IDs stay in the index for the lifetime of the session, including tokens
// that were promoted into session IDs.
func (st *SessionStore) dropToken(tok string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	corr, ok := st.tokens[tok]
	if !ok {
		return
	}
	if corr.fid != 0 {
		if sess, ok := st.sessions[corr.fid]; ok && sess.ID == tok {
			return
		}
	}

	delete(st.tokens, tok)
}

// bindChannel attaches c as the session's live channel, superseding (and
// shutting down) any previous one. Idempotent for the same client.
func (st *SessionStore) bindChannel(sess *Session, c *Client) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.bindChannelLocked(c)
}

func (s *Session) bindChannelLocked(c *Client) {
	s.lastActive = time.Now()
	if s.client == c {
		return
	}
	if s.client != nil {
		s.client.shutdown()
	}
	s.client = c
}

// releaseChannel clears the channel reference, but only if c still holds
// it: a superseded connection's teardown must not evict its successor.
func (st *SessionStore) releaseChannel(sess *Session, c *Client) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.client == c {
		sess.client = nil
	}
}

// mergePayload shallow-merges partial into the session for fid.
func (st *SessionStore) mergePayload(fid uint64, partial map[string]any) error {
	sess, ok := st.get(fid)
	if !ok {
		return errSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.mergePayloadLocked(partial)
	return nil
}

// push delivers a message to the channel bound to fid's session, reporting
// rather than erroring when nothing is listening.
func (st *SessionStore) push(fid uint64, msg any) PushStatus {
	sess, ok := st.get(fid)
	if !ok {
		return NoChannelBound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return sess.pushLocked(msg)
}

// commitProfile stores the resolved profile if the session does not already
// hold one. Profiles are write-once per session lifetime; a reconnect onto a
// fresh session triggers a fresh fetch instead of a merge.
func (s *Session) commitProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Profile == nil {
		s.Profile = p
	}
}

// remove deletes the session for fid along with its session-ID index entry.
// Safe to call for a fid with no session.
func (st *SessionStore) remove(fid uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[fid]
	if !ok {
		return
	}
	delete(st.sessions, fid)
	delete(st.tokens, sess.ID)
}

// reaperLoop periodically removes sessions that have sat idle with no bound
// channel longer than the configured timeout.
func (st *SessionStore) reaperLoop(cfg *Config, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-idleTimeout)

		var stale []uint64

		st.mu.RLock()
		for fid, sess := range st.sessions {
			sess.mu.Lock()
			if sess.client == nil && sess.lastActive.Before(cutoff) {
				stale = append(stale, fid)
			}
			sess.mu.Unlock()
		}
		st.mu.RUnlock()

		for _, fid := range stale {
			st.remove(fid)
			logf(cfg, "STORE: Reaped idle session for fid %d", fid)
		}
	}
}

// randomToken samples n characters from a fixed alphabet using crypto/rand,
// rejecting bytes that would bias the distribution.
func randomToken(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}
