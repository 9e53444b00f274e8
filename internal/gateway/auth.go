package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Auth error codes returned to clients.
const (
	CodeAuthMissing = "AUTH_MISSING"
	CodeAuthInvalid = "AUTH_INVALID"
)

var (
	errAuthMissing = errors.New("missing bearer token")
	errAuthInvalid = errors.New("invalid bearer token")
)

// AuthConfig lists accepted static tokens and, optionally, an HS256 secret
// for signed tokens.
type AuthConfig struct {
	Tokens    []string
	JWTSecret string
	JWTIssuer string
}

// Authenticator checks bearer tokens. Update swaps the accepted set on
// config reload.
type Authenticator struct {
	mu     sync.RWMutex
	tokens [][]byte
	secret []byte
	issuer string
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{}
	a.Update(cfg)
	return a
}

func (a *Authenticator) Update(cfg AuthConfig) {
	tokens := make([][]byte, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, []byte(t))
		}
	}
	a.mu.Lock()
	a.tokens = tokens
	a.secret = []byte(cfg.JWTSecret)
	a.issuer = cfg.JWTIssuer
	a.mu.Unlock()
}

// Authenticate returns the caller's principal: "token" for a static token,
// or the subject of a signed token.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", errAuthMissing
	}

	a.mu.RLock()
	tokens, secret, issuer := a.tokens, a.secret, a.issuer
	a.mu.RUnlock()

	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(raw), t) == 1 {
			return "token", nil
		}
	}
	if len(secret) == 0 || strings.Count(raw, ".") != 2 {
		return "", errAuthInvalid
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", errAuthInvalid, err)
	}
	sub, _ := token.Claims.GetSubject()
	if sub == "" {
		sub = "jwt"
	}
	return sub, nil
}

// bearerToken reads "Authorization: Bearer <token>". The token query
// parameter is accepted for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz != "" {
		const prefix = "Bearer "
		if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
			return strings.TrimSpace(authz[len(prefix):])
		}
		return ""
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func authCode(err error) string {
	if errors.Is(err, errAuthMissing) {
		return CodeAuthMissing
	}
	return CodeAuthInvalid
}
