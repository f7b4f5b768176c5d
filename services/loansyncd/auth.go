package loansyncd

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const defaultClockSkew = 2 * time.Minute

// Authenticator validates HMAC signed bearer tokens on action endpoints.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	optional bool
	skew     time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret:   []byte(strings.TrimSpace(cfg.HMACSecret)),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		optional: cfg.Optional,
		skew:     defaultClockSkew,
		logger:   logger,
		now:      time.Now,
	}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		if a.optional {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.parseToken(tokenString)
		if err == nil {
			err = a.validateClaims(claims)
		}
		if err != nil {
			a.logger.Warn("auth: token rejected", "error", err, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.skew), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func (a *Authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != a.issuer {
			return errors.New("issuer mismatch")
		}
	}
	if a.audience != "" {
		aud, _ := claims.GetAudience()
		matched := false
		for _, entry := range aud {
			if entry == a.audience {
				matched = true
				break
			}
		}
		if !matched {
			return errors.New("audience mismatch")
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errors.New("token missing expiry")
	}
	return nil
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// RateLimiter applies a per client token bucket to mutating endpoints.
type RateLimiter struct {
	perMinute int
	mu        sync.Mutex
	visitors  map[string]*visitor
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorTTL = 5 * time.Minute

// NewRateLimiter allows perMinute requests per client with an equal burst.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{perMinute: perMinute, visitors: make(map[string]*visitor), now: time.Now}
}

// Middleware returns 429 once a client exhausts its allowance.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter(clientID(req)).Allow() {
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) limiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(r.visitors, key)
		}
	}
	v, ok := r.visitors[id]
	if !ok {
		perSecond := rate.Limit(float64(r.perMinute) / 60.0)
		v = &visitor{limiter: rate.NewLimiter(perSecond, r.perMinute)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
