// Package ratelimit enforces sliding-window rate limits on top of the
// substrate. Each scope composes one or more windows; a request is admitted
// only when every window admits it, and a denied request is never recorded.
// The check-and-record step runs as a single server-side script so
// concurrent requests cannot interleave between counting and consuming.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/config"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/kv"
)

// slidingWindow admits a request when every configured window has capacity.
// KEYS holds one sorted set per window, ARGV is now_ms, member, then
// (span_ms, limit) per window. Returns {allowed, violated_window_index,
// limit, remaining_or_count, retry_after_ms}. Entries are only written when
// all windows admit, so denials consume nothing.
const slidingWindow = `
local now = tonumber(ARGV[1])
local member = ARGV[2]
local n = (#ARGV - 2) / 2
local remaining = -1
for i = 1, n do
  local span = tonumber(ARGV[2*i+1])
  local limit = tonumber(ARGV[2*i+2])
  local key = KEYS[i]
  redis.call('ZREMRANGEBYSCORE', key, '-inf', now - span)
  local count = redis.call('ZCARD', key)
  if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local wait = span
    if oldest[2] then
      wait = tonumber(oldest[2]) + span - now
    end
    if wait < 0 then wait = 0 end
    return {0, i, limit, count, wait}
  end
  local left = limit - count - 1
  if remaining < 0 or left < remaining then
    remaining = left
  end
end
for i = 1, n do
  local span = tonumber(ARGV[2*i+1])
  redis.call('ZADD', KEYS[i], now, member)
  redis.call('PEXPIRE', KEYS[i], span)
end
return {1, 0, 0, remaining, 0}
`

type (
	// Window bounds one sliding interval of a scope.
	Window struct {
		// Name identifies the window in decisions and override keys.
		Name string
		// Limit is the maximum number of admitted requests per Span.
		Limit int
		// Span is the sliding interval length.
		Span time.Duration
	}

	// Rule is the ordered set of windows enforced for one scope.
	Rule struct {
		Scope   string
		Windows []Window
	}

	// Decision reports the outcome of one admission check.
	Decision struct {
		Allowed bool
		Scope   string
		// Window names the violated window when the request was denied.
		Window string
		// Limit is the violated window's effective limit on denial.
		Limit int
		// Remaining is the smallest capacity left across windows on admission.
		Remaining int
		// RetryAfter tells the caller when the violated window frees a slot.
		RetryAfter time.Duration
		// FailedOpen marks an admission granted because the substrate was
		// unreachable rather than because capacity was available.
		FailedOpen bool
	}

	// Limiter evaluates admission across configured scopes.
	Limiter struct {
		kv         kv.Client
		script     kv.Script
		rules      map[string]Rule
		overrides  *overrideWatcher
		onFailOpen func(scope string, err error)
		now        func() time.Time
		instance   string
		seq        atomic.Uint64
	}

	// Options configures a Limiter.
	Options struct {
		KV    kv.Client
		Rules []Rule
		// Overrides propagates per-window limit overrides across processes.
		// Optional; the limiter uses the static rule limits without it.
		Overrides OverrideMap
		// OnFailOpen observes admissions granted on substrate failure.
		OnFailOpen func(scope string, err error)
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}
)

// New returns a Limiter enforcing the given rules.
func New(ctx context.Context, opts Options) (*Limiter, error) {
	if opts.KV == nil {
		return nil, errors.New("kv client is required")
	}
	if len(opts.Rules) == 0 {
		return nil, errors.New("at least one rule is required")
	}
	rules := make(map[string]Rule, len(opts.Rules))
	for _, r := range opts.Rules {
		if r.Scope == "" {
			return nil, errors.New("rule scope is required")
		}
		if len(r.Windows) == 0 {
			return nil, fmt.Errorf("rule %q has no windows", r.Scope)
		}
		for _, w := range r.Windows {
			if w.Name == "" || w.Limit <= 0 || w.Span <= 0 {
				return nil, fmt.Errorf("rule %q has an invalid window", r.Scope)
			}
		}
		if _, dup := rules[r.Scope]; dup {
			return nil, fmt.Errorf("duplicate rule scope %q", r.Scope)
		}
		rules[r.Scope] = r
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		kv:         opts.KV,
		script:     opts.KV.Script(slidingWindow),
		rules:      rules,
		onFailOpen: opts.OnFailOpen,
		now:        now,
		instance:   uuid.NewString()[:8],
	}
	if opts.Overrides != nil {
		l.overrides = newOverrideWatcher(ctx, opts.Overrides)
	}
	return l, nil
}

// Allow checks whether subject may perform one request under scope. Denial
// is a domain answer carried in the Decision, not an error; errors are
// reserved for misuse such as unknown scopes. When the substrate is
// unreachable the limiter fails open and marks the decision accordingly.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) (Decision, error) {
	rule, ok := l.rules[scope]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit scope %q", scope)
	}
	if subject == "" {
		return Decision{}, errors.New("subject is required")
	}

	nowMS := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s-%d", nowMS, l.instance, l.seq.Add(1))

	keys := make([]string, len(rule.Windows))
	args := make([]any, 0, 2+2*len(rule.Windows))
	args = append(args, nowMS, member)
	for i, w := range rule.Windows {
		keys[i] = windowKey(scope, w.Name, subject)
		args = append(args, w.Span.Milliseconds(), int64(l.limitFor(scope, w)))
	}

	res, err := l.script.Run(ctx, keys, args...)
	if err != nil {
		if kind := fault.KindOf(err); kind == fault.KindUnavailable || kind == fault.KindTimeout {
			if l.onFailOpen != nil {
				l.onFailOpen(scope, err)
			}
			return Decision{Allowed: true, Scope: scope, FailedOpen: true}, nil
		}
		return Decision{}, err
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 5 {
		return Decision{}, fmt.Errorf("unexpected script reply %T", res)
	}
	allowed := asInt(vals[0]) == 1
	if allowed {
		return Decision{
			Allowed:   true,
			Scope:     scope,
			Remaining: int(asInt(vals[3])),
		}, nil
	}
	idx := int(asInt(vals[1])) - 1
	window := rule.Windows[idx]
	retry := time.Duration(asInt(vals[4])) * time.Millisecond
	if retry <= 0 {
		retry = window.Span
	}
	return Decision{
		Scope:      scope,
		Window:     window.Name,
		Limit:      int(asInt(vals[2])),
		RetryAfter: retry,
	}, nil
}

// limitFor resolves the effective limit for a window, preferring a
// cluster-wide override when one is present.
func (l *Limiter) limitFor(scope string, w Window) int {
	if l.overrides == nil {
		return w.Limit
	}
	return l.overrides.limitFor(scope, w.Name, w.Limit)
}

func windowKey(scope, window, subject string) string {
	return strings.Join([]string{"ratelimit", scope, window, subject}, ":")
}

func asInt(v any) int64 {
	n, _ := v.(int64)
	return n
}

// StandardRules builds the platform's scopes from configuration: a global
// per-client rule, a tighter login rule and tiered upload rules.
func StandardRules(cfg config.RateLimit) []Rule {
	global := Rule{
		Scope: "global",
		Windows: []Window{
			{Name: "minute", Limit: cfg.PerMinute, Span: time.Minute},
			{Name: "hour", Limit: cfg.PerHour, Span: time.Hour},
		},
	}
	if cfg.Burst > 0 {
		global.Windows = append([]Window{{Name: "burst", Limit: cfg.Burst, Span: time.Second}}, global.Windows...)
	}
	return []Rule{
		global,
		{
			Scope:   "login",
			Windows: []Window{{Name: "minute", Limit: cfg.LoginPerMinute, Span: time.Minute}},
		},
		{
			Scope:   "upload:small",
			Windows: []Window{{Name: "hour", Limit: cfg.UploadSmall, Span: time.Hour}},
		},
		{
			Scope:   "upload:medium",
			Windows: []Window{{Name: "hour", Limit: cfg.UploadMedium, Span: time.Hour}},
		},
		{
			Scope:   "upload:large",
			Windows: []Window{{Name: "hour", Limit: cfg.UploadLarge, Span: time.Hour}},
		},
	}
}
