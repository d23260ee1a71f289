package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// AdminClaims are the JWT claims carried by admin bearer tokens.
type AdminClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateAdminToken mints an HS256 bearer token for the admin surface.
func GenerateAdminToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GetAdminUser returns the operator id attached by AdminAuth.
func GetAdminUser(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminUserKey).(string)
	return id, ok
}

// AdminAuth guards the admin surface with HS256 bearer tokens. Admin routes
// bypass the HMAC scheme entirely.
type AdminAuth struct {
	secret []byte
	log    *logger.Logger
}

// NewAdminAuth builds the verifier for the given signing secret.
func NewAdminAuth(secret string, log *logger.Logger) *AdminAuth {
	if log == nil {
		log = logger.NewDefault("adminauth")
	}
	return &AdminAuth{secret: []byte(secret), log: log}
}

// Handler validates the Authorization bearer token and attaches the operator
// id to the request context.
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			a.log.WithError(err).Debug("admin token rejected")
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminUserKey, claims.UserID)))
	})
}
