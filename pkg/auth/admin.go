// Package auth guards the admin diagnostic surface. Three credentials are
// accepted: the static X-Admin-Key token, a short-lived session JWT issued
// by Login, and (for Login itself) basic auth against a bcrypt hash.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/aegis-gw/aegis/pkg/config"
)

const sessionTTL = 30 * time.Minute

// Admin authenticates requests against the configured admin credentials.
type Admin struct {
	token     string
	user      string
	passHash  string
	jwtSecret []byte
	logger    *slog.Logger
	clock     func() time.Time
}

// NewAdmin builds the authenticator from configuration. With no token and
// no user configured, every admin request is rejected.
func NewAdmin(cfg config.AdminConfig, logger *slog.Logger) *Admin {
	return &Admin{
		token:     cfg.Token,
		user:      cfg.User,
		passHash:  cfg.PassBcrypt,
		jwtSecret: []byte(cfg.JWTSecret),
		logger:    logger.With("component", "admin_auth"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Admin) WithClock(clock func() time.Time) *Admin {
	a.clock = clock
	return a
}

// Middleware rejects requests that carry neither a valid X-Admin-Key nor a
// valid session token.
func (a *Admin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			writeAuthError(w, http.StatusUnauthorized, "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Actor names the authenticated principal for the config audit trail.
func (a *Admin) Actor(r *http.Request) string {
	if r.Header.Get("X-Admin-Key") != "" {
		return "admin-token"
	}
	if claims, err := a.validateBearer(r); err == nil {
		return claims.Subject
	}
	return "unknown"
}

func (a *Admin) authorized(r *http.Request) bool {
	if key := r.Header.Get("X-Admin-Key"); key != "" && a.token != "" {
		return subtle.ConstantTimeCompare([]byte(key), []byte(a.token)) == 1
	}
	_, err := a.validateBearer(r)
	return err == nil
}

// Login exchanges basic auth credentials for a session JWT.
func (a *Admin) Login(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || a.user == "" || a.passHash == "" || len(a.jwtSecret) == 0 {
		writeAuthError(w, http.StatusUnauthorized, "basic auth required")
		return
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) != 1 {
		// Burn a bcrypt comparison anyway so user probing costs the same.
		_ = bcrypt.CompareHashAndPassword([]byte(a.passHash), []byte(pass))
		writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passHash), []byte(pass)); err != nil {
		a.logger.Warn("admin login rejected", "user", user)
		writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := a.issue(user)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	a.logger.Info("admin session issued", "user", user)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_in": int(time.Until(expires) / time.Second),
	})
}

func (a *Admin) issue(subject string) (string, time.Time, error) {
	now := a.clock()
	expires := now.Add(sessionTTL)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		Issuer:    "aegis-admin",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expires, nil
}

func (a *Admin) validateBearer(r *http.Request) (*jwt.RegisteredClaims, error) {
	if len(a.jwtSecret) == 0 {
		return nil, fmt.Errorf("sessions not configured")
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, fmt.Errorf("no bearer token")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.clock() }), jwt.WithIssuer("aegis-admin"))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	code := "unauthorized"
	if status == http.StatusInternalServerError {
		code = "internal"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "detail": detail})
}
