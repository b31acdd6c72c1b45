// Package identity derives the rate-limit and ownership key for a request:
// the authenticated user when a valid token is presented, otherwise a hash
// of the client IP.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// FallbackIP is used when no request source yields a valid address.
const FallbackIP = "0.0.0.0"

// ErrInvalidToken is returned for a bearer token that fails verification.
var ErrInvalidToken = errors.New("invalid bearer token")

// Identity is a stable key for an end user.
type Identity string

// ForUser returns the identity of an authenticated user.
func ForUser(userID string) Identity {
	return Identity("user_" + userID)
}

// ForIP returns the anonymous identity for a client address.
func ForIP(ip string) Identity {
	sum := md5.Sum([]byte(ip))
	return Identity("ip_" + hex.EncodeToString(sum[:]))
}

// IsUser reports whether the identity belongs to an authenticated user.
func (i Identity) IsUser() bool { return strings.HasPrefix(string(i), "user_") }

func (i Identity) String() string { return string(i) }

// ipHeaders are consulted in order; the first one carrying a valid address
// wins. X-Forwarded-For contributes only its first entry.
var ipHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// ClientIP returns the best-effort client address of r.
func ClientIP(r *http.Request) string {
	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			v, _, _ = strings.Cut(v, ",")
		}
		if ip := validIP(v); ip != "" {
			return ip
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := validIP(host); ip != "" {
		return ip
	}
	return FallbackIP
}

func validIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

// Claims is the token payload. Only user_id is required.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Resolver turns a request into an Identity.
type Resolver struct {
	secret []byte
}

// NewResolver returns a Resolver. An empty secret disables token
// verification; every bearer token is then rejected.
func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// Resolve returns the user identity for a valid bearer token, the IP
// identity when no token is presented, and ErrInvalidToken otherwise.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	auth := req.Header.Get("Authorization")
	if auth == "" {
		return ForIP(ClientIP(req)), nil
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	userID, err := r.verify(strings.TrimSpace(token))
	if err != nil {
		log.Debug().Err(err).Msg("Bearer token rejected")
		return "", ErrInvalidToken
	}
	return ForUser(userID), nil
}

func (r *Resolver) verify(raw string) (string, error) {
	if len(r.secret) == 0 {
		return "", errors.New("token verification is not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("token has no user_id claim")
	}
	return claims.UserID, nil
}

// Sign issues an HS256 token for userID. Used by the operator CLI and tests.
func Sign(secret, userID string, claims jwt.RegisteredClaims) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is empty")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: userID, RegisteredClaims: claims})
	return t.SignedString([]byte(secret))
}
