package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// CallerHeader carries the caller id when no JWT secret is configured and the
// service sits behind a trusted gateway.
const CallerHeader = "X-Caller-ID"

type callerKey struct{}

var errMissingCaller = errors.New("missing caller identity")

// CallerAuth resolves the caller of every request. With a secret it expects an
// HS256 bearer token whose subject is the caller; without one it trusts
// CallerHeader.
type CallerAuth struct {
	secret []byte
	logger *zap.Logger
}

func NewCallerAuth(secret string, logger *zap.Logger) *CallerAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallerAuth{secret: []byte(secret), logger: logger}
}

func (a *CallerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.resolve(r)
		if err != nil {
			a.logger.Debug("caller rejected", zap.String("path", r.URL.Path), zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated", Message: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (a *CallerAuth) resolve(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		caller := strings.TrimSpace(r.Header.Get(CallerHeader))
		if caller == "" {
			return "", errMissingCaller
		}
		return caller, nil
	}

	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid Authorization header format")
	}
	return a.ParseToken(parts[1])
}

// ParseToken validates an HS256 token and returns its subject.
func (a *CallerAuth) ParseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errMissingCaller
	}
	return claims.Subject, nil
}

func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}
