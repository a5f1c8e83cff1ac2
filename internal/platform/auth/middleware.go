package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	RoleIndividual = "individual"
	RoleTherapist  = "therapist"
	RolePartner    = "partner"
	RoleAdmin      = "admin"
)

var knownRoles = map[string]bool{
	RoleIndividual: true,
	RoleTherapist:  true,
	RolePartner:    true,
	RoleAdmin:      true,
}

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Claims are the JWT claims issued by the identity provider. The application
// role lives in app_metadata so users cannot edit it themselves.
type Claims struct {
	jwt.RegisteredClaims
	AppMetadata struct {
		Role string `json:"role"`
	} `json:"app_metadata"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

// JWTMiddleware verifies an HS256 bearer token and stores the Principal on
// the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}
			role := claims.AppMetadata.Role
			if !knownRoles[role] {
				return echo.NewHTTPError(http.StatusForbidden, "account has no application role")
			}

			setPrincipal(c, Principal{UserID: userID, Role: role})
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-Dev-User and X-Dev-Role headers so that
// local clients can act as any user. Without them the caller is an admin
// with a fixed id. Never enable outside development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	devAdmin := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := Principal{UserID: devAdmin, Role: RoleAdmin}
			if uid, err := uuid.Parse(c.Request().Header.Get("X-Dev-User")); err == nil {
				p.UserID = uid
			}
			if role := c.Request().Header.Get("X-Dev-Role"); knownRoles[role] {
				p.Role = role
			}
			setPrincipal(c, p)
			return next(c)
		}
	}
}

func setPrincipal(c echo.Context, p Principal) {
	c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
	c.Set("user_id", p.UserID.String())
	c.Set("role", p.Role)
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller set by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
