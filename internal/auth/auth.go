// Package auth issues and verifies the HMAC-signed JWTs used by dashboard
// users and deployed agents, and provides the matching HTTP middleware.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
)

// Token types.
const (
	TypeUser  = "user"
	TypeAgent = "agent"
)

const (
	bearerPrefix    = "Bearer "
	tokenQueryParam = "token"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Claims are the claims carried by both token types. AgentID is set only on
// agent tokens.
type Claims struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id,omitempty"`
	Type    string `json:"type"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies tokens with one shared secret.
type Authenticator struct {
	secret   []byte
	agentTTL time.Duration
	now      func() time.Time
}

// New returns an Authenticator. agentTTL bounds agent credentials; zero means no expiry.
func New(secret string, agentTTL time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), agentTTL: agentTTL, now: time.Now}
}

func (a *Authenticator) sign(claims *Claims, ttl time.Duration) (string, error) {
	now := a.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueUserToken signs a user token. Production user tokens come from the
// identity service sharing the secret; this is used by tooling and tests.
func (a *Authenticator) IssueUserToken(userID string, ttl time.Duration) (string, error) {
	return a.sign(&Claims{UserID: userID, Type: TypeUser, RegisteredClaims: jwt.RegisteredClaims{Subject: userID}}, ttl)
}

// IssueAgentToken signs the credential handed to an agent on deploy.
func (a *Authenticator) IssueAgentToken(userID, agentID string) (string, error) {
	return a.sign(&Claims{
		UserID:           userID,
		AgentID:          agentID,
		Type:             TypeAgent,
		RegisteredClaims: jwt.RegisteredClaims{Subject: agentID},
	}, a.agentTTL)
}

// Parse verifies a signed token and returns its claims.
func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user")
	}
	if claims.Type == TypeAgent && claims.AgentID == "" {
		return nil, errors.New("agent token has no agent")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(h[len(bearerPrefix):])
	}
	return ""
}

func (a *Authenticator) require(types []string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" && allowQuery {
				raw = r.URL.Query().Get(tokenQueryParam)
			}
			if raw == "" {
				apierrors.Write(w, nil, apierrors.Unauthorized("Authentication required"))
				return
			}
			claims, err := a.Parse(raw)
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "Token expired"
				}
				apierrors.Write(w, nil, apierrors.Unauthorized(msg))
				return
			}
			allowed := false
			for _, t := range types {
				if claims.Type == t {
					allowed = true
					break
				}
			}
			if !allowed {
				apierrors.Write(w, nil, apierrors.Unauthorized("Token type not accepted for this endpoint"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireUser accepts only user tokens from the Authorization header.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return a.require([]string{TypeUser}, false)(next)
}

// RequireUserQuery accepts user tokens from the header or the token query
// parameter, for WebSocket upgrades where browsers cannot set headers.
func (a *Authenticator) RequireUserQuery(next http.Handler) http.Handler {
	return a.require([]string{TypeUser}, true)(next)
}

// RequireAgent accepts only agent tokens.
func (a *Authenticator) RequireAgent(next http.Handler) http.Handler {
	return a.require([]string{TypeAgent}, false)(next)
}

// RequireUserOrAgent accepts either token type.
func (a *Authenticator) RequireUserOrAgent(next http.Handler) http.Handler {
	return a.require([]string{TypeUser, TypeAgent}, false)(next)
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// ClaimsFrom returns the claims stored by the middleware, or nil.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey).(*Claims)
	return c
}

// UserID returns the authenticated user id, or "".
func UserID(ctx context.Context) string {
	if c := ClaimsFrom(ctx); c != nil {
		return c.UserID
	}
	return ""
}
