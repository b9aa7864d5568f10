package query

import "time"

// Defaults for Service options and per-call ExecuteOptions.
const (
	DefaultTimeout        = 60 * time.Second
	DefaultCacheTTL       = time.Hour
	DefaultPersistTimeout = 10 * time.Second
)

// Option configures a Service.
type Option func(*Service)

// WithDefaultTimeout sets the engine timeout used when ExecuteOptions.Timeout is zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithDefaultCacheTTL sets the result TTL used when ExecuteOptions.CacheTTL is zero.
// A negative value stores results without expiry.
func WithDefaultCacheTTL(d time.Duration) Option {
	return func(s *Service) {
		if d != 0 {
			s.defaultCacheTTL = d
		}
	}
}

// WithPersistTimeout bounds each record-store write made after the caller's
// context has been detached.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithCoalescing makes concurrent cache misses for the same workspace and
// query hash share one engine call. Off by default.
func WithCoalescing(enabled bool) Option {
	return func(s *Service) { s.coalesce = enabled }
}

// WithClock overrides time.Now for expiry and freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
