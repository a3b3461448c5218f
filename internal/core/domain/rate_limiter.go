// Package domain holds the core entities of the rate limiter.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// keyPrefix namespaces every bucket inside shared stores such as Redis.
const keyPrefix = "ratelimit"

// Limit is one immutable rate-limit configuration: at most MaxRequests per
// Window. The same identifier can be governed by several limits at once as
// long as their namespaces differ.
type Limit struct {
	Namespace   string
	MaxRequests int
	Window      time.Duration
	Message     string
}

// Validate reports whether the limit can be enforced. The namespace must not
// contain the key separator, otherwise two namespaces could address the same
// bucket for one identifier.
func (l Limit) Validate() error {
	if strings.TrimSpace(l.Namespace) == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidLimit)
	}
	if strings.Contains(l.Namespace, ":") {
		return fmt.Errorf("%w: namespace %q must not contain ':'", ErrInvalidLimit, l.Namespace)
	}
	if l.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidLimit, l.MaxRequests)
	}
	if l.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidLimit, l.Window)
	}
	return nil
}

// BucketKey addresses one counter in a window store.
type BucketKey string

// NewBucketKey concatenates the shared prefix, the namespace and the resolved
// identifier. Namespaces are separator-free (see Limit.Validate), so distinct
// namespaces never collide even when the identifier itself contains ':', as
// IPv6 addresses do.
func NewBucketKey(namespace, identifier string) BucketKey {
	return BucketKey(fmt.Sprintf("%s:%s:%s", keyPrefix, namespace, identifier))
}

// WindowState is the mutable counter state stored per BucketKey.
type WindowState struct {
	Count       int
	WindowStart time.Time
}

// Expired reports whether the window that began at WindowStart is over.
func (w WindowState) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(w.WindowStart) >= window
}

// Decision is the outcome of evaluating one request against its limits. On a
// denial, Namespace and Message identify the limit that rejected the request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Namespace  string
	Message    string
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below zero.
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

// Denial describes one denied request for observability sinks.
type Denial struct {
	Identifier string
	Namespace  string
	At         time.Time
}
