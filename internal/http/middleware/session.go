package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Cookie names set by the records backend.
const (
	AccessTokenCookie = "access_token"
	SessionIDCookie   = "session_id"
)

const sessionContextKey contextKey = "session"

// SessionInfo is what the proxy knows about the caller: the raw Cookie
// header to forward and the session token that identifies them.
type SessionInfo struct {
	Cookie    string
	Token     string
	SessionID string
}

func (s SessionInfo) Authenticated() bool {
	return s.Token != ""
}

// Session reads the caller's cookies once per request. Routes under
// /v1/ require a session; everything else decides for itself.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := sessionFromRequest(r)
		if strings.HasPrefix(r.URL.Path, "/v1/") && !info.Authenticated() {
			writeUnauthorized(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetSession(ctx context.Context) SessionInfo {
	info, _ := ctx.Value(sessionContextKey).(SessionInfo)
	return info
}

func sessionFromRequest(r *http.Request) SessionInfo {
	info := SessionInfo{Cookie: r.Header.Get("Cookie")}
	if cookie, err := r.Cookie(SessionIDCookie); err == nil {
		info.SessionID = strings.TrimSpace(cookie.Value)
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil && strings.TrimSpace(cookie.Value) != "" {
		info.Token = strings.TrimSpace(cookie.Value)
	} else {
		info.Token = info.SessionID
	}
	return info
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"Not authenticated","request_id":"` + GetRequestID(r.Context()) + `"}`))
}
