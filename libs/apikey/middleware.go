package apikey

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

const (
	Header           = "X-API-Key"
	ContextRecordKey = "api_key_record"
)

var ErrNotFound = errors.New("api key not found")

// Lookup resolves the stored record for a key prefix.
type Lookup interface {
	ByPrefix(ctx context.Context, prefix string) (Record, error)
}

// StaticLookup serves records configured at startup.
type StaticLookup struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewStaticLookup(records ...Record) *StaticLookup {
	l := &StaticLookup{records: make(map[string]Record, len(records))}
	for _, r := range records {
		l.records[r.Prefix] = r
	}
	return l
}

func (l *StaticLookup) ByPrefix(_ context.Context, prefix string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[prefix]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// Middleware authenticates X-API-Key and stores the record under ContextRecordKey
// and its owner under userKey. Requests without the header fall through untouched
// when optional is set.
func Middleware(lookup Lookup, scope string, userKey string, optional bool, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" {
			if optional {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing api key"})
			return
		}

		_, prefix, _, err := Parse(key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid api key"})
			return
		}
		record, err := lookup.ByPrefix(c.Request.Context(), prefix)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.Error("api key lookup failed", "prefix", prefix, "error", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid api key"})
			return
		}
		if err := Verify(key, record, c.ClientIP()); err != nil {
			status := http.StatusUnauthorized
			code := "UNAUTHORIZED"
			if errors.Is(err, ErrIPNotAllowed) {
				status = http.StatusForbidden
				code = "FORBIDDEN"
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
			return
		}
		if scope != "" && !record.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": ErrMissingScope.Error()})
			return
		}

		c.Set(ContextRecordKey, record)
		if userKey != "" {
			c.Set(userKey, record.UserID)
		}
		c.Next()
	}
}

// RecordFrom returns the authenticated key record, if any.
func RecordFrom(c *gin.Context) (Record, bool) {
	v, ok := c.Get(ContextRecordKey)
	if !ok {
		return Record{}, false
	}
	r, ok := v.(Record)
	return r, ok
}
