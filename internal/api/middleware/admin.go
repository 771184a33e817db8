package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phrazzld/scanrelay/internal/api/shared"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
	"github.com/phrazzld/scanrelay/internal/reqctx"
)

// RoleAdmin is the only role accepted by AdminAuth.
const RoleAdmin = "admin"

// Token validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNotAdmin     = errors.New("token does not grant admin access")
)

// AdminClaims are the claims carried by an admin token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth validates HS256 bearer tokens for administrative routes.
type AdminAuth struct {
	signingKey []byte
	clockSkew  time.Duration
	timeFunc   func() time.Time
}

// NewAdminAuth creates an AdminAuth. The secret must be at least 32 bytes.
func NewAdminAuth(secret string) (*AdminAuth, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &AdminAuth{
		signingKey: []byte(secret),
		clockSkew:  2 * time.Minute,
		timeFunc:   time.Now,
	}, nil
}

// IssueToken signs an admin token for subject valid for ttl.
func (a *AdminAuth) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := a.timeFunc()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses tokenString and checks it grants admin access.
func (a *AdminAuth) ValidateToken(ctx context.Context, tokenString string) (*AdminClaims, error) {
	log := logger.FromContext(ctx)
	now := a.timeFunc()

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.DebugContext(ctx, "admin token expired")
			return nil, ErrExpiredToken
		}
		log.DebugContext(ctx, "admin token rejected", "error_type", fmt.Sprintf("%T", err))
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin {
		return nil, ErrNotAdmin
	}
	return claims, nil
}

// Authenticate rejects requests without a valid admin bearer token and
// records the token subject as the request's user.
func (a *AdminAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		claims, err := a.ValidateToken(r.Context(), parts[1])
		switch {
		case errors.Is(err, ErrExpiredToken):
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Token expired")
			return
		case errors.Is(err, ErrNotAdmin):
			shared.RespondWithError(w, r, http.StatusForbidden, "Admin access required",
				shared.WithElevatedLogLevel())
			return
		case err != nil:
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token",
				shared.WithElevatedLogLevel())
			return
		}

		ctx := reqctx.Update(r.Context(), reqctx.Context{UserID: claims.Subject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
