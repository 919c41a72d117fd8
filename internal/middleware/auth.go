// Package middleware provides HTTP middleware for the ledger API.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/sitcoin/internal/app/auth"
	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
	"github.com/R3E-Network/sitcoin/internal/httputil"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// Claims are the JWT claims issued by the identity provider.
type Claims struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	jwt.RegisteredClaims
}

type callerKey struct{}

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, caller auth.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller placed in ctx by AuthMiddleware.
func CallerFrom(ctx context.Context) (auth.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(auth.Caller)
	return caller, ok
}

// AuthMiddleware verifies HS256 bearer tokens and turns their claims into an
// auth.Caller. Users listed in admins are promoted to the admin role
// regardless of the role claim.
type AuthMiddleware struct {
	secret    []byte
	issuer    string
	admins    map[string]bool
	logger    *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(secret []byte, issuer string, admins []string, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = true
	}
	adminSet := make(map[string]bool, len(admins))
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			adminSet[id] = true
		}
	}
	return &AuthMiddleware{
		secret:    secret,
		issuer:    issuer,
		admins:    adminSet,
		logger:    log,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, unauthenticated("missing Authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			m.respondError(w, r, unauthenticated("invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		caller := m.callerFor(claims)
		ctx := WithCaller(r.Context(), caller)
		ctx = logger.WithUserID(ctx, caller.UserID)

		m.logger.WithContext(ctx).WithFields(logrus.Fields{
			"role":       caller.Role,
			"account_id": caller.AccountID,
		}).Debug("authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, unauthenticated("unexpected signing method").WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, unauthenticatedCause("invalid token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, unauthenticated("invalid token")
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, unauthenticated("token carries no user_id")
	}
	return claims, nil
}

func (m *AuthMiddleware) callerFor(claims *Claims) auth.Caller {
	role := auth.ParseRole(claims.Role)
	if m.admins[claims.UserID] {
		role = auth.RoleAdmin
	}
	// The system role is reserved for in-process collaborators.
	if role == auth.RoleSystem {
		role = auth.RoleUser
	}
	return auth.Caller{
		UserID:    strings.TrimSpace(claims.UserID),
		Role:      role,
		AccountID: strings.TrimSpace(claims.AccountID),
	}
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.WithContext(r.Context()).WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("authentication failed")
	httputil.WriteError(w, r, err)
}

// unauthenticated reports a missing or bad credential with 401, unlike the
// engine's 403 UNAUTHORIZED for a verified caller lacking a capability.
func unauthenticated(message string) *apperrors.ServiceError {
	return unauthenticatedCause(message, nil)
}

func unauthenticatedCause(message string, cause error) *apperrors.ServiceError {
	err := apperrors.Unauthorized(message)
	err.HTTPStatus = http.StatusUnauthorized
	err.Err = cause
	return err
}

// IssueToken signs an HS256 token for caller. It backs tests and operator
// tooling; production tokens come from the identity provider.
func IssueToken(secret []byte, issuer string, caller auth.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    caller.UserID,
		Role:      string(caller.Role),
		AccountID: caller.AccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   caller.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// RequireCaller rejects requests that reached it without an authenticated
// caller.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CallerFrom(r.Context()); !ok {
			httputil.WriteError(w, r, unauthenticated("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
