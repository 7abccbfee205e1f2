package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// IdentityHeader names the header REST clients use to identify
// themselves. WebSocket clients pass the same value as the userId
// query parameter.
const IdentityHeader = "X-User-ID"

// ExtractBearerToken parses "Bearer <token>" from the Authorization
// header. The scheme is matched case-insensitively per RFC 7235 and
// surrounding whitespace is stripped from the token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}
	return ""
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ExtractUserID returns the caller's identity from the request, or ""
// when none was supplied.
func ExtractUserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdentityHeader))
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	// Handle IPv6 addresses like "[::1]:8080"
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host := remoteAddr[:idx]
		host = strings.TrimPrefix(host, "[")
		host = strings.TrimSuffix(host, "]")
		return host
	}
	return remoteAddr
}
