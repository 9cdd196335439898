package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// HashKey returns the SHA-256 hex digest of an API key. Worker keys are
// configured as digests so the plaintext never lives in the environment
// of the gateway.
func HashKey(key string) string {
	key = strings.TrimSpace(key)
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// workerAuth rejects requests without a valid worker credential before
// any state is touched. Workers present their id in X-Worker-ID and the
// API key as a bearer token.
func (s *Server) workerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workerID := r.Header.Get("X-Worker-ID")
		if workerID == "" {
			writeError(w, http.StatusUnauthorized, "missing worker id")
			return
		}
		key := bearerToken(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		if _, ok := s.keyHashes[HashKey(key)]; !ok {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// internalAuth guards intake and dashboard routes with the shared
// internal secret.
func (s *Server) internalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.IntakeSecret == "" || r.Header.Get("X-Internal-Secret") != s.cfg.IntakeSecret {
			writeError(w, http.StatusUnauthorized, "invalid internal credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
