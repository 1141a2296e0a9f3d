// Composer action endpoints: the webhook that bridges a signed Farcaster
// composer submission to a live websocket session, plus the static
// capability descriptor the Farcaster client fetches to discover us.

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const sessionHeader = "x-session-id"

// composerSubmission is the body of a composer action POST. untrustedData
// carries client-asserted claims (including the fid); trustedData carries
// the signed message bytes.
type composerSubmission struct {
	UntrustedData json.RawMessage `json:"untrustedData"`
	TrustedData   struct {
		MessageBytes string `json:"messageBytes"`
	} `json:"trustedData"`
}

// ComposerFormResponse tells the composer framework where to open the
// mini-app client.
type ComposerFormResponse struct {
	Type  string `json:"type"` // always "form"
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ComposerMetadata is the capability descriptor served on GET.
type ComposerMetadata struct {
	Type        string `json:"type"` // always "composer"
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
	AboutURL    string `json:"aboutUrl"`
	ImageURL    string `json:"imageUrl"`
	Action      struct {
		Type string `json:"type"` // always "post"
	} `json:"action"`
}

// serveComposerSubmit handles POST /api/composer.
//
// Correlation order: an explicit x-session-id (connection token or session
// ID) wins; otherwise the submission fid selects the session, creating one
// when --webhook-sessions permits. Merges are unions, so the at-least-once
// delivery of the composer framework is harmless.
func serveComposerSubmit(cfg *Config, store *SessionStore, resolver *Resolver, db *SessionDB) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		corsHeaders(cfg, w)

		var sub composerSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed submission")
			return
		}

		var claims struct {
			FID uint64 `json:"fid"`
		}
		if len(sub.UntrustedData) > 0 {
			_ = json.Unmarshal(sub.UntrustedData, &claims)
		}
		if claims.FID == 0 {
			writeJSONError(w, http.StatusBadRequest, "missing fid")
			return
		}

		partial := make(map[string]any)
		_ = json.Unmarshal(sub.UntrustedData, &partial)

		sess, ok := correlateSession(cfg, store, db, r, claims.FID)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "No active session found")
			return
		}

		sess.mu.Lock()
		sess.mergePayloadLocked(partial)
		needResolve := sess.Profile == nil
		snapshot := sess.userDataLocked()
		sess.mu.Unlock()

		// The resolver call is the only suspension point and runs without
		// the session lock; the result is committed by re-acquiring it.
		if needResolve {
			profile, err := resolver.resolve(r.Context(), sess.FID)
			if err != nil {
				logf(cfg, "ERROR: %v", err)
				if cfg.requireProfile {
					writeJSONError(w, http.StatusBadGateway, "identity resolution failed")
					return
				}
			} else {
				sess.commitProfile(profile)
			}
		}

		if err := db.upsert(r.Context(), snapshot.SessionID, sess.FID, snapshot.Data); err != nil {
			logf(cfg, "ERROR: %v", err)
		}

		sess.mu.Lock()
		status := sess.pushLocked(sess.userDataLocked())
		sess.mu.Unlock()

		logf(cfg, "HOOK: Submission for fid %d merged into session %s, push %s, from %s in %s",
			sess.FID,
			snapshot.SessionID,
			status,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		writeJSON(w, http.StatusOK, ComposerFormResponse{
			Type:  "form",
			Title: "Arena Mini App",
			URL:   cfg.sessionURL(snapshot.SessionID),
		})
	}
}

// correlateSession resolves the target session for a submission, preferring
// an explicit x-session-id over the fid. A known-but-unbound token is bound
// to the submission fid here, and the connection that minted it becomes the
// session's channel, which covers the webhook racing ahead of the client's
// register message.
func correlateSession(cfg *Config, store *SessionStore, db *SessionDB, r *http.Request, fid uint64) (*Session, bool) {
	tok := r.Header.Get(sessionHeader)
	if tok == "" {
		if sess, ok := store.get(fid); ok {
			return sess, true
		}
		if !cfg.webhookSessions {
			return nil, false
		}
		return store.getOrCreate(fid), true
	}

	sess, minter, ok := store.byToken(tok)
	if !ok {
		// Possibly a session from before a restart; consult the durable tier.
		dbFID, payload, err := db.lookup(r.Context(), tok)
		if err != nil {
			var pe *persistenceError
			if errors.As(err, &pe) {
				logf(cfg, "ERROR: %v", err)
			}
			return nil, false
		}
		return store.adopt(tok, dbFID, payload), true
	}

	if sess == nil {
		// Token minted by a connection that has not registered yet; the
		// token becomes the session ID so the identifier the client was
		// handed at connect time stays valid.
		sess = store.getOrCreateWithID(fid, tok)
		store.bindToken(tok, fid)
		if minter != nil {
			minter.setSession(sess)
			store.bindChannel(sess, minter)
		}
		return sess, true
	}

	if sess.FID != fid {
		logf(cfg, "HOOK: Token %s is bound to fid %d but submission claims fid %d", tok, sess.FID, fid)
	}

	return sess, true
}

// serveComposerMetadata handles GET /api/composer.
func serveComposerMetadata(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		corsHeaders(cfg, w)

		meta := ComposerMetadata{
			Type:        "composer",
			Name:        "Arena",
			Icon:        "play",
			Description: "Launch the arena mini-app with your Farcaster identity",
			AboutURL:    cfg.clientURL,
			ImageURL:    cfg.clientURL + "/static/logo.png",
		}
		meta.Action.Type = "post"

		writeJSON(w, http.StatusOK, meta)
	}
}

func serveHealth(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		corsHeaders(cfg, w)
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}
}

// serveSessionQR renders a QR code for the client URL carrying a session
// identifier, so a second device can pick up the same handshake.
func serveSessionQR(cfg *Config, store *SessionStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		tok := ps.ByName("token")
		if _, _, ok := store.byToken(tok); !ok {
			writeJSONError(w, http.StatusNotFound, "No active session found")
			return
		}

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(cfg.sessionURL(tok), qrcode.Medium, qrSize)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "qr generation failed")
			return
		}

		w.Header().Set("Content-Type", "image/png")
		written, err := w.Write(png)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: QR code (%s) for session %s to %s in %s",
			humanReadableSize(int64(written)),
			tok,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}
