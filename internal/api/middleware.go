// Package api exposes the safety core over HTTP: dispatch, policy explain,
// trust inspection and approval decisions. Requests authenticate with
// bearer API keys checked against bcrypt hashes.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// APIKey pairs a lookup prefix with a bcrypt hash of the full key.
type APIKey struct {
	Prefix string `yaml:"prefix"`
	Hash   string `yaml:"hash"`
}

// keyPrefixLen is the length of the indexed key prefix ("bsk_" + 4 chars).
const keyPrefixLen = 8

// --- Auth cache (stale-while-revalidate) ---

type authEntry struct {
	valid      bool
	expiresAt  time.Time
	refreshing atomic.Bool
}

type authCache struct {
	store sync.Map // map[string]*authEntry (keyed by full API key)
	ttl   time.Duration
}

func newAuthCache(ttl time.Duration) *authCache {
	return &authCache{ttl: ttl}
}

func (c *authCache) get(key string) (valid, hit, needsRefresh bool) {
	v, ok := c.store.Load(key)
	if !ok {
		return false, false, false
	}
	entry := v.(*authEntry)
	if time.Now().Before(entry.expiresAt) {
		return entry.valid, true, false
	}
	// Stale: serve the cached answer, one goroutine refreshes.
	needsRefresh = entry.refreshing.CompareAndSwap(false, true)
	return entry.valid, true, needsRefresh
}

func (c *authCache) set(key string, valid bool) {
	c.store.Store(key, &authEntry{
		valid:     valid,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// --- Auth middleware ---

// authMiddleware validates Bearer bsk_ tokens against the configured key
// hashes. bcrypt comparison is cached so the hot path stays cheap.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	cache := newAuthCache(d.CacheTTL)

	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		if len(token) < keyPrefixLen || !strings.HasPrefix(token, "bsk_") {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key format"})
			return
		}

		valid, hit, needsRefresh := cache.get(token)
		if hit && needsRefresh {
			go func() { cache.set(token, d.checkToken(token) == nil) }()
		}
		if hit {
			if !valid {
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
				return
			}
			next(w, r)
			return
		}

		if err := d.checkToken(token); err != nil {
			cache.set(token, false)
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}
		cache.set(token, true)
		next(w, r)
	}
}

// checkToken compares the token against the configured hash for its prefix.
func (d *Dependencies) checkToken(token string) error {
	prefix := token[:keyPrefixLen]
	for _, k := range d.Keys {
		if k.Prefix != prefix {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(token)); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("no key registered for prefix")
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// --- JSON helpers ---

// ErrorResp is the JSON error envelope.
type ErrorResp struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
