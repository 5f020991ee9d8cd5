// Package ratelimit implements the per-key admission controller: two
// independent fixed-window-60s counters (general, image) plus the
// per-organization credit/spend check that runs after them.
package ratelimit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	// GeneralLimit is the default per-minute limit for all non-image POSTs.
	GeneralLimit = 1000
	// ImageLimit is the default per-minute limit for image generation/edit.
	ImageLimit = 10

	window   = 60 * time.Second
	cacheMax = 100_000 // max concurrently-rate-limited api keys
)

// Result is the outcome of a single counter increment.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Counter is a single AtomicU32-style fixed window. Relaxed increments are
// fine here: the exact count near the limit is not safety-critical (at
// most one excess request per window leaks through).
type Counter struct {
	n atomic.Uint32
}

// entry holds both counters for one api-key. A single otter cache entry
// with a 60s write-TTL backs both: when the entry expires and a fresh one
// is set on next access, both counters reset together, which is what
// "fixed window" means here -- there is no per-counter deadline tracking.
type entry struct {
	general Counter
	image   Counter
}

// Admission applies the general/image admission counters described in the
// per-request rate-limit step. Counters live in a TTL cache keyed by
// api-key id; entries auto-expire from the cache after 60 seconds.
type Admission struct {
	cache *otter.Cache[string, *entry]
}

// NewAdmission returns a new Admission controller.
func NewAdmission() (*Admission, error) {
	c, err := otter.New(&otter.Options[string, *entry]{
		MaximumSize:      cacheMax,
		ExpiryCalculator: otter.ExpiryWriting[string, *entry](window),
	})
	if err != nil {
		return nil, fmt.Errorf("create admission cache: %w", err)
	}
	return &Admission{cache: c}, nil
}

func (a *Admission) entryFor(keyID string) *entry {
	if e, ok := a.cache.GetIfPresent(keyID); ok {
		return e
	}
	e := &entry{}
	a.cache.Set(keyID, e)
	return e
}

// AllowGeneral increments the general counter for keyID.
func (a *Admission) AllowGeneral(keyID string) Result {
	return increment(&a.entryFor(keyID).general, GeneralLimit)
}

// AllowImage increments the image counter for keyID. Image ops burn only
// this counter, never the general one, so text and image quotas never
// interfere with each other.
func (a *Admission) AllowImage(keyID string) Result {
	return increment(&a.entryFor(keyID).image, ImageLimit)
}

func increment(c *Counter, limit int64) Result {
	n := int64(c.n.Add(1))
	if n > limit {
		return Result{
			Allowed:           false,
			Limit:             limit,
			RetryAfterSeconds: window.Seconds(),
		}
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - n}
}
