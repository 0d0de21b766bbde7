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

	"approvline/internal/engine"
	"approvline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyHeaders accepts X-Actor-Id and X-Company-Id without
	// credentials. Development and tests only.
	AllowLegacyHeaders bool
	// DefaultCompanyID applies to legacy requests without X-Company-Id.
	DefaultCompanyID string
	Logger           *zap.Logger
}

type Principal struct {
	UserID      string
	CompanyID   string
	Roles       []string
	Permissions []string
	Source      string
}

func (p Principal) Actor() engine.Actor {
	return engine.Actor{UserID: p.UserID, CompanyID: p.CompanyID}
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

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" && p.CompanyID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func actorFromContext(ctx context.Context) (engine.Actor, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return engine.Actor{}, err
	}
	return p.Actor(), nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	CompanyID   string   `json:"company_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	if claims.CompanyID == "" {
		return Principal{}, errors.New("company_id claim required")
	}
	return Principal{
		UserID:      claims.Subject,
		CompanyID:   claims.CompanyID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

// SignToken mints an HS256 token for a user of a company.
func SignToken(secret, userID, companyID string, permissions []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		CompanyID:   companyID,
		Permissions: permissions,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.UserID == "" || apiKey.CompanyID == "" {
		return Principal{}, errors.New("api key missing user")
	}
	return Principal{
		UserID:    apiKey.UserID,
		CompanyID: apiKey.CompanyID,
		Source:    "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// activeUser rejects principals that are unknown, disabled, or belong to
// another company. Token subjects without a directory entry are refused too,
// since every engine decision resolves the actor there.
func activeUser(ctx context.Context, e engine.Engine, p Principal) bool {
	if p.UserID == engine.SystemActor {
		return false
	}
	u, err := e.Auth.User(ctx, nil, p.UserID)
	if err != nil {
		return false
	}
	return u.Active && u.CompanyID == p.CompanyID
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	specPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == healthPath || req.URL.Path == specPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			var (
				principal Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKeyHeader != "":
				principal, err = authenticateAPIKey(req.Context(), e.Repo, apiKeyHeader)
			case legacyActor != "" && cfg.AllowLegacyHeaders:
				company := strings.TrimSpace(req.Header.Get("X-Company-Id"))
				if company == "" {
					company = cfg.DefaultCompanyID
				}
				cfg.logger().Warn("legacy actor header accepted without credentials",
					zap.String("actor_id", legacyActor), zap.String("company_id", company))
				principal = Principal{UserID: legacyActor, CompanyID: company, Source: "legacy_header"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err == nil && !activeUser(req.Context(), e, principal) {
				err = errors.New("unknown or inactive user")
			}
			if err != nil {
				cfg.logger().Debug("authentication failed", zap.String("path", req.URL.Path), zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
