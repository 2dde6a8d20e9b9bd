package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type AuthConfig struct {
	JWTSecret string
	// AllowDevHeaders accepts X-Tenant-Id / X-Actor-Id without a token. Local use only.
	AllowDevHeaders bool
	Logger          *zap.Logger
}

// Principal is the authenticated caller. Every handler scopes its work to TenantID.
type Principal struct {
	TenantID string
	ActorID  string
	Source   string
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.TenantID != "" && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// SignToken mints an HS256 token carrying the tenant and actor claims the API expects.
func SignToken(secret, tenantID, actorID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if tenantID == "" || actorID == "" {
		return "", errors.New("tenant and actor are required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		TenantID: tenantID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

const (
	headerTenant = "X-Tenant-Id"
	headerActor  = "X-Actor-Id"

	tokenLeeway = 30 * time.Second
)

var errUnauthenticated = errors.New("no credentials")

// parseToken verifies an HS256 token and maps its claims to a principal.
func parseToken(raw, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		return Principal{}, err
	}
	switch {
	case claims.Subject == "":
		return Principal{}, errors.New("sub claim required")
	case claims.TenantID == "":
		return Principal{}, errors.New("tenant_id claim required")
	}
	return Principal{TenantID: claims.TenantID, ActorID: claims.Subject, Source: "jwt"}, nil
}

// resolvePrincipal reads a bearer token, or the dev headers when they are enabled.
func (c AuthConfig) resolvePrincipal(req *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, raw, ok := strings.Cut(authz, " ")
		raw = strings.TrimSpace(raw)
		if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
			return Principal{}, errors.New("malformed authorization header")
		}
		return parseToken(raw, c.JWTSecret)
	}
	if !c.AllowDevHeaders {
		return Principal{}, errUnauthenticated
	}
	p := Principal{
		TenantID: strings.TrimSpace(req.Header.Get(headerTenant)),
		ActorID:  strings.TrimSpace(req.Header.Get(headerActor)),
		Source:   "dev_header",
	}
	if p.TenantID == "" || p.ActorID == "" {
		return Principal{}, errUnauthenticated
	}
	c.logger().Warn("using unauthenticated dev headers", zap.String("tenant_id", p.TenantID), zap.String("actor_id", p.ActorID))
	return p, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if public[req.URL.Path] || (basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)) {
				next.ServeHTTP(w, req)
				return
			}
			p, err := cfg.resolvePrincipal(req)
			switch {
			case errors.Is(err, errUnauthenticated):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			case err != nil:
				cfg.logger().Debug("credentials rejected", zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
			default:
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
			}
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
