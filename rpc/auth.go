package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"nhbchain/observability"
)

// AuthConfig protects message submission with HMAC-signed bearer tokens.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator validates bearer tokens on submission routes.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
}

// NewAuthenticator returns nil when no secret is configured, which leaves
// submission open.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		skew:     skew,
	}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				observability.ModuleMetrics().RecordThrottle(module, "missing_token")
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			subject, err := a.verify(token)
			if err != nil {
				observability.ModuleMetrics().RecordThrottle(module, "invalid_token")
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
		})
	}
}

type subjectKey struct{}

// tokenSubject returns the subject of the bearer token that authenticated
// the request.
func tokenSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey{}).(string)
	return subject, ok
}

func (a *Authenticator) verify(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return a.secret, nil }, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject required")
	}
	return subject, nil
}

// IssueToken signs an HS256 token valid for ttl. The subject is the address
// the holder may submit messages as.
func IssueToken(cfg AuthConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return "", errors.New("auth: HMAC secret required")
	}
	if ttl <= 0 {
		return "", errors.New("auth: ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		claims.Issuer = issuer
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
