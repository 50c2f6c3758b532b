// Package auth verifies bearer tokens presented to the upload, delete and
// live endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal identifies the caller behind a verified token.
type Principal struct {
	Subject   string
	Anonymous bool
}

// Verifier checks a raw token and returns its principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// AllowAnonymous accepts every caller. It is the development fallback when
// no token verification is configured.
type AllowAnonymous struct{}

func (AllowAnonymous) Verify(context.Context, string) (Principal, error) {
	return Principal{Subject: "anonymous", Anonymous: true}, nil
}

// JWTConfig selects HS256 with a shared secret when Secret is set, otherwise
// RS256 with keys fetched from JWKSURL.
type JWTConfig struct {
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	Logger   *slog.Logger
}

type JWTVerifier struct {
	keyfunc jwt.Keyfunc
	methods []string
	issuer  string
	aud     string
	leeway  time.Duration
	logger  *slog.Logger
}

// NewJWTVerifier builds a verifier from cfg. With a JWKS URL the key set is
// refreshed in the background until ctx is cancelled.
func NewJWTVerifier(ctx context.Context, cfg JWTConfig) (*JWTVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	switch {
	case secret != "":
		key := []byte(secret)
		return newJWTVerifier(cfg, func(*jwt.Token) (any, error) { return key, nil }, "HS256"), nil
	case jwksURL != "":
		k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("load jwks from %s: %w", jwksURL, err)
		}
		return newJWTVerifier(cfg, k.Keyfunc, "RS256"), nil
	default:
		return nil, errors.New("jwt secret or jwks url is required")
	}
}

// NewJWTVerifierWithKeyfunc builds an RS256 verifier over an existing key set.
func NewJWTVerifierWithKeyfunc(k keyfunc.Keyfunc, cfg JWTConfig) *JWTVerifier {
	return newJWTVerifier(cfg, k.Keyfunc, "RS256")
}

func newJWTVerifier(cfg JWTConfig, kf jwt.Keyfunc, method string) *JWTVerifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTVerifier{
		keyfunc: kf,
		methods: []string{method},
		issuer:  strings.TrimSpace(cfg.Issuer),
		aud:     strings.TrimSpace(cfg.Audience),
		leeway:  cfg.Leeway,
		logger:  logger,
	}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.aud != "" {
		opts = append(opts, jwt.WithAudience(v.aud))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyfunc, opts...)
	if err != nil || !parsed.Valid {
		v.logger.Debug("token rejected", "error", err)
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Principal{Subject: claims.Subject}, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require returns middleware that rejects requests without a valid bearer
// token with 401.
func Require(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := v.Verify(r.Context(), BearerToken(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mediaforge"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}
