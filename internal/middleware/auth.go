// Package middleware carries the HTTP boundary concerns: API-token access
// checks and mutation rate limiting. Everything behind the boundary trusts
// the operator and project identities these handlers inject into the
// request context.
package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	headerOperator = "X-Operator-ID"
	headerProject  = "X-Project-ID"

	// tokens are issued as "zf_<random>"; the prefix keeps them greppable
	// in leaked logs without revealing anything.
	tokenPrefix = "zf_"
)

type contextKey string

const (
	operatorKey contextKey = "operator"
	projectKey  contextKey = "project"
)

// OperatorFrom returns the authenticated operator id, or "" when the
// request skipped auth (open routes, tests).
func OperatorFrom(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}

// ProjectFrom returns the project scope the presented token carries.
// Empty means the token is unscoped (back-office operators).
func ProjectFrom(ctx context.Context) string {
	v, _ := ctx.Value(projectKey).(string)
	return v
}

// tokenRecord is one issued credential. Only the bcrypt hash is kept.
type tokenRecord struct {
	operator string
	project  string
	hash     []byte
}

// TokenAuth validates bearer tokens against bcrypt hashes registered at
// startup. Tokens are project-scoped: a scoped token only reaches routes
// for its project, an unscoped token reaches everything.
type TokenAuth struct {
	mu     sync.RWMutex
	tokens []tokenRecord
	cost   int
	logger *log.Logger
}

// NewTokenAuth builds an empty credential set. cost falls back to the
// bcrypt default when zero.
func NewTokenAuth(cost int) *TokenAuth {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &TokenAuth{
		cost:   cost,
		logger: log.New(log.Writer(), "[Auth] ", log.LstdFlags),
	}
}

// Issue hashes a raw token and registers it for the operator. projectID
// empty makes the token unscoped.
func (a *TokenAuth) Issue(operator, projectID, rawToken string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawToken), a.cost)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.tokens = append(a.tokens, tokenRecord{operator: operator, project: projectID, hash: hash})
	a.mu.Unlock()
	return nil
}

// RegisterHash registers a pre-computed bcrypt hash, e.g. from config or a
// secrets mount, without ever seeing the raw token.
func (a *TokenAuth) RegisterHash(operator, projectID string, hash []byte) {
	a.mu.Lock()
	a.tokens = append(a.tokens, tokenRecord{operator: operator, project: projectID, hash: hash})
	a.mu.Unlock()
}

// verify finds the record matching the raw token. Linear scan: the set is
// a handful of investigator credentials, not a user database.
func (a *TokenAuth) verify(raw string) (tokenRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, rec := range a.tokens {
		if bcrypt.CompareHashAndPassword(rec.hash, []byte(raw)) == nil {
			return rec, true
		}
	}
	return tokenRecord{}, false
}

// Middleware enforces "Authorization: Bearer zf_..." and injects operator
// and project scope into the context. Project-scoped tokens are rejected
// when the request names a different project in X-Project-ID.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			deny(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		rec, ok := a.verify(raw)
		if !ok {
			a.logger.Printf("🚫 Rejected token from %s", r.RemoteAddr)
			deny(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if rec.project != "" {
			if want := r.Header.Get(headerProject); want != "" && want != rec.project {
				a.logger.Printf("🚫 Operator %s token scoped to %s used against %s", rec.operator, rec.project, want)
				deny(w, http.StatusForbidden, "token not valid for this project")
				return
			}
		}

		ctx := context.WithValue(r.Context(), operatorKey, rec.operator)
		ctx = context.WithValue(ctx, projectKey, rec.project)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer "+tokenPrefix) {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}

func deny(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
