package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

const scheme = "pk"

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrRevokedKey       = errors.New("revoked api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidWhitelist = errors.New("invalid ip whitelist")
	ErrMissingScope     = errors.New("missing scope")
)

type Record struct {
	ID          string
	UserID      string
	Prefix      string
	KeyHash     string
	Scopes      []string
	IPWhitelist []string
	RevokedAt   *time.Time
}

func (r Record) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// Generate returns a new key of the form pk_<env>_<prefix>.<secret> together with
// the prefix and the hash to persist. The secret is never stored.
func Generate(env string) (fullKey string, prefix string, hash string, err error) {
	if env == "" || strings.Contains(env, "_") {
		return "", "", "", fmt.Errorf("invalid key env %q", env)
	}
	prefix, err = randomToken(6, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString)
	if err != nil {
		return "", "", "", err
	}
	prefix = strings.ToLower(prefix)
	secret, err := randomToken(32, base64.RawURLEncoding.EncodeToString)
	if err != nil {
		return "", "", "", err
	}
	fullKey = fmt.Sprintf("%s_%s_%s.%s", scheme, env, prefix, secret)
	return fullKey, prefix, Hash(prefix, secret), nil
}

func Parse(key string) (env string, prefix string, secret string, err error) {
	head, secret, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok {
		return "", "", "", ErrInvalidKey
	}

	headParts := strings.SplitN(head, "_", 3)
	if len(headParts) != 3 || headParts[0] != scheme {
		return "", "", "", ErrInvalidKey
	}
	env = headParts[1]
	prefix = headParts[2]
	if env == "" || prefix == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, prefix, secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

func Verify(key string, record Record, clientIP string) error {
	_, prefix, secret, err := Parse(key)
	if err != nil {
		return err
	}

	hash := Hash(prefix, secret)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(record.KeyHash))) != 1 {
		return ErrInvalidKey
	}
	if record.RevokedAt != nil {
		return ErrRevokedKey
	}
	if !IPAllowed(clientIP, record.IPWhitelist) {
		return ErrIPNotAllowed
	}
	return nil
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, netw, err := net.ParseCIDR(entry)
			if err == nil && netw.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

func randomToken(n int, encode func([]byte) string) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return encode(buf), nil
}
