// Package abuse tracks per-IP violations and escalates time-boxed blocks.
// Violation state lives in the counter store under a rolling one-hour TTL;
// enforcement fails open whenever the store is unhealthy because availability
// wins over abuse enforcement.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrlshc/huntaze-edge-governor/internal/breaker"
	"github.com/chrlshc/huntaze-edge-governor/internal/store"
)

const (
	// violationMemory is the rolling TTL on the violation counter. A dormant
	// IP regains a clean slate once the hour elapses; decay inside the hour
	// only happens through this TTL reset.
	violationMemory = time.Hour

	// trackAttempts bounds retries on transient store failures. Retries are
	// immediate: failures at this layer are assumed short-lived, and the
	// breaker already guards against hammering a dead store.
	trackAttempts = 3
)

// Escalation table: violation count -> block duration. Capped at one hour.
var blockDurations = []time.Duration{
	60 * time.Second,
	600 * time.Second,
	3600 * time.Second,
}

// ViolationRecord describes the state written for a tracked violation.
type ViolationRecord struct {
	IP            string
	Count         int
	BlockLevel    int
	BlockDuration time.Duration
	BlockExpires  time.Time
}

// BlockCheck is the outcome of a block lookup for an IP.
type BlockCheck struct {
	Allowed        bool
	RetryAfter     time.Duration
	Reason         string
	ViolationCount int
	BlockLevel     int
}

// Tracker records violations per IP and escalates block durations.
type Tracker struct {
	store     store.CounterStore
	breaker   *breaker.Breaker
	whitelist map[string]struct{}
	logger    zerolog.Logger

	now func() time.Time
}

// New creates a new abuse tracker. Whitelisted IPs are exempt from both
// tracking and blocking and never cause a store round-trip.
func New(counterStore store.CounterStore, storeBreaker *breaker.Breaker, whitelist []string, logger zerolog.Logger) *Tracker {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		if net.ParseIP(ip) != nil {
			wl[ip] = struct{}{}
		}
	}
	return &Tracker{
		store:     counterStore,
		breaker:   storeBreaker,
		whitelist: wl,
		logger:    logger,
		now:       time.Now,
	}
}

// ValidIP reports whether ip parses as IPv4 dotted-quad or IPv6 colon-hex.
func ValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// IsWhitelisted reports whether ip is exempt. Malformed input is never
// whitelisted.
func (t *Tracker) IsWhitelisted(ip string) bool {
	if !ValidIP(ip) {
		return false
	}
	_, ok := t.whitelist[ip]
	return ok
}

// TrackViolation increments the violation counter for ip, refreshes its
// one-hour memory, and writes the escalated block. Returns nil for
// whitelisted or malformed IPs (no store access) and nil when the store
// could not be reached after bounded retries. Callers must treat nil as
// "could not record", never as "not a violation".
func (t *Tracker) TrackViolation(ctx context.Context, ip, correlationID string) *ViolationRecord {
	if !ValidIP(ip) || t.IsWhitelisted(ip) {
		return nil
	}

	var record *ViolationRecord
	for attempt := 1; attempt <= trackAttempts; attempt++ {
		err := t.breaker.Execute(ctx, func(ctx context.Context) error {
			count, storeErr := t.store.Incr(ctx, violationsKey(ip), violationMemory)
			if storeErr != nil {
				return storeErr
			}

			level := blockLevel(int(count))
			duration := blockDurations[level]
			if storeErr := t.store.SetWithTTL(ctx, blockedKey(ip), strconv.FormatInt(count, 10), duration); storeErr != nil {
				return storeErr
			}

			record = &ViolationRecord{
				IP:            ip,
				Count:         int(count),
				BlockLevel:    level,
				BlockDuration: duration,
				BlockExpires:  t.now().Add(duration),
			}
			return nil
		})
		if err == nil {
			t.logger.Warn().
				Str("ip", ip).
				Str("correlation_id", correlationID).
				Int("violation_count", record.Count).
				Int("block_level", record.BlockLevel).
				Dur("block_duration", record.BlockDuration).
				Msg("recorded IP violation")
			return record
		}
		if errors.Is(err, breaker.ErrOpen) {
			// The store is already judged unhealthy; more attempts would only
			// multiply load during the outage.
			break
		}
		t.logger.Warn().
			Err(err).
			Str("ip", ip).
			Str("correlation_id", correlationID).
			Int("attempt", attempt).
			Msg("failed to record IP violation")
	}

	// Fail silent after exhausting retries.
	return nil
}

// CheckIPBlock reports whether ip is currently blocked. Malformed IPs are
// denied without touching the store; whitelisted IPs are always allowed.
// Store errors fail open.
func (t *Tracker) CheckIPBlock(ctx context.Context, ip, correlationID string) BlockCheck {
	if !ValidIP(ip) {
		return BlockCheck{Allowed: false, Reason: "Invalid IP format"}
	}
	if t.IsWhitelisted(ip) {
		return BlockCheck{Allowed: true}
	}

	var check BlockCheck
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		value, storeErr := t.store.Get(ctx, blockedKey(ip))
		if storeErr != nil && !errors.Is(storeErr, store.ErrNotFound) {
			return storeErr
		}

		if storeErr == nil {
			count, _ := strconv.Atoi(value)
			ttl, ttlErr := t.store.TTL(ctx, blockedKey(ip))
			if ttlErr != nil && !errors.Is(ttlErr, store.ErrNotFound) {
				return ttlErr
			}
			if ttl < 0 {
				ttl = 0
			}
			minutes := int(math.Ceil(ttl.Minutes()))
			check = BlockCheck{
				Allowed:        false,
				RetryAfter:     ttl,
				Reason:         fmt.Sprintf("IP temporarily blocked, retry in %d minutes", minutes),
				ViolationCount: count,
				BlockLevel:     blockLevel(count),
			}
			return nil
		}

		// No active block; still report the violation count for visibility.
		check = BlockCheck{Allowed: true}
		if v, vErr := t.store.Get(ctx, violationsKey(ip)); vErr == nil {
			check.ViolationCount, _ = strconv.Atoi(v)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) {
			t.logger.Warn().
				Err(err).
				Str("ip", ip).
				Str("correlation_id", correlationID).
				Msg("IP block check failed, failing open")
		}
		return BlockCheck{Allowed: true}
	}

	return check
}

// ClearIPViolations deletes the violation and block state for ip.
// Best-effort: store errors are swallowed, malformed IPs are a no-op.
func (t *Tracker) ClearIPViolations(ctx context.Context, ip, correlationID string) {
	if !ValidIP(ip) {
		return
	}
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.store.Del(ctx, violationsKey(ip), blockedKey(ip))
	})
	if err != nil {
		t.logger.Warn().
			Err(err).
			Str("ip", ip).
			Str("correlation_id", correlationID).
			Msg("failed to clear IP violations")
		return
	}
	t.logger.Info().Str("ip", ip).Str("correlation_id", correlationID).Msg("cleared IP violations")
}

// SetClock overrides the tracker's clock. Test hook only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// blockLevel derives the escalation level from the violation count:
// min(count-1, 2). Counts at or past the cap stay at one hour.
func blockLevel(count int) int {
	level := count - 1
	if level < 0 {
		level = 0
	}
	if level > 2 {
		level = 2
	}
	return level
}

func violationsKey(ip string) string {
	return "ip:violations:" + ip
}

func blockedKey(ip string) string {
	return "ip:blocked:" + ip
}
