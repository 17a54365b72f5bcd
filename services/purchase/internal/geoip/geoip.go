// Package geoip resolves client IP addresses to ISO 3166 alpha-2 countries.
package geoip

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Locator returns the country for ip, or ok=false when it cannot be determined.
type Locator interface {
	Country(ip string) (country string, ok bool)
}

// MaxMindLocator reads a GeoLite2/GeoIP2 Country or City database.
type MaxMindLocator struct {
	mu     sync.RWMutex
	db     *geoip2.Reader
	logger *slog.Logger
}

func OpenMaxMind(path string, logger *slog.Logger) (*MaxMindLocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	return &MaxMindLocator{db: db, logger: logger}, nil
}

func (l *MaxMindLocator) Country(ip string) (string, bool) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return "", false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return "", false
	}
	record, err := l.db.Country(parsed)
	if err != nil {
		l.logger.Warn("geoip lookup failed", "error", err)
		return "", false
	}
	if record.Country.IsoCode == "" {
		return "", false
	}
	return record.Country.IsoCode, true
}

func (l *MaxMindLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// StaticLocator maps CIDR blocks to countries. Used in dev and tests where no
// MaxMind database is available.
type StaticLocator struct {
	nets      []*net.IPNet
	countries []string
}

func NewStaticLocator(blocks map[string]string) (*StaticLocator, error) {
	l := &StaticLocator{}
	for cidr, country := range blocks {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", cidr, err)
		}
		l.nets = append(l.nets, n)
		l.countries = append(l.countries, strings.ToUpper(country))
	}
	return l, nil
}

func (l *StaticLocator) Country(ip string) (string, bool) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", false
	}
	best := -1
	bestOnes := -1
	for i, n := range l.nets {
		if !n.Contains(parsed) {
			continue
		}
		if ones, _ := n.Mask.Size(); ones > bestOnes {
			best, bestOnes = i, ones
		}
	}
	if best < 0 {
		return "", false
	}
	return l.countries[best], true
}

// Unknown never resolves a country; the geo mismatch check is skipped.
type Unknown struct{}

func (Unknown) Country(string) (string, bool) { return "", false }
