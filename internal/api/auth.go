package api

import (
	"context"
	"net/http"
)

// Authentication itself is an upstream concern: the gateway terminates the
// session and forwards the member identity. The core only requires that
// every mutating request arrives bound to a specific member.

type contextKey int

const memberKey contextKey = iota

// requireMember rejects requests that carry no member identity.
func requireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		member := r.Header.Get("X-Member-ID")
		if member == "" {
			writeError(w, http.StatusUnauthorized, "member identity required")
			return
		}
		ctx := context.WithValue(r.Context(), memberKey, member)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// member returns the authenticated member id, or "" on public routes.
func member(r *http.Request) string {
	if v, ok := r.Context().Value(memberKey).(string); ok {
		return v
	}
	return r.Header.Get("X-Member-ID")
}
