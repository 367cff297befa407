package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/signalsfoundry/crosspoint-router/model"
)

// IntentKind distinguishes connect and disconnect requests.
type IntentKind int

const (
	KindRoute IntentKind = iota
	KindUnroute
)

func (k IntentKind) String() string {
	if k == KindUnroute {
		return "unroute"
	}
	return "route"
}

// Reasons reported for failed signals and intents.
const (
	ReasonNoPath          = "no path"
	ReasonNoEndpoint      = "no endpoint for signal"
	ReasonNotSwitcher     = "control cannot switch"
	ReasonUsageConflict   = "link in use"
	ReasonCommandRejected = "command rejected"
	ReasonCommandFailed   = "command failed"
	ReasonSuperseded      = "superseded"
	ReasonTimeout         = "timeout"
	ReasonExpired         = "expired"
	ReasonNotRouted       = "not routed"
)

// SignalResult is the outcome of one signal flag of an intent.
type SignalResult struct {
	Signal      model.SignalType
	Source      model.Endpoint
	Destination model.Endpoint
	// Path is the path used for a route, nil otherwise.
	Path *model.Path
	// Succeeded is true when every command for this flag completed.
	Succeeded bool
	// Connected is true for a route flag that ended up connected.
	Connected bool
	Reason    string
	Err       error
}

// Result is the final outcome of an intent.
type Result struct {
	// Success means every requested signal succeeded and every command
	// the intent issued completed without error.
	Success bool
	// Reason is set when the intent was ended early (superseded, timed
	// out or expired).
	Reason  string
	Signals map[model.SignalType]SignalResult
}

// Failed returns the flags that did not succeed, in ascending order.
func (r Result) Failed() []model.SignalType {
	var out []model.SignalType
	for flag, sr := range r.Signals {
		if !sr.Succeeded {
			out = append(out, flag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// leg is the per-flag state of an intent.
type leg struct {
	flag model.SignalType
	src  model.Endpoint
	dst  model.Endpoint
	path *model.Path

	outstanding int
	failed      bool
	// superseded is set once a newer request took over this flag's
	// destination; the leg's commands no longer hold the intent open.
	superseded bool
	reason     string
	err        error
}

func (l *leg) fail(reason string, err error) {
	if l.failed {
		return
	}
	l.failed = true
	l.reason = reason
	l.err = err
}

// Intent is the completion handle of a Route or Unroute call. Done is
// closed exactly once, when the intent settles.
type Intent struct {
	id      string
	kind    IntentKind
	tenant  model.TenantID
	signals model.SignalType
	created time.Time

	done chan struct{}

	mu      sync.Mutex
	legs    map[model.SignalType]*leg
	pending int
	settled bool
	settle  time.Time
	result  Result
	timer   *clock.Timer
}

func newIntent(id string, kind IntentKind, tenant model.TenantID, now time.Time) *Intent {
	return &Intent{
		id:      id,
		kind:    kind,
		tenant:  tenant,
		created: now,
		done:    make(chan struct{}),
		legs:    make(map[model.SignalType]*leg),
	}
}

func (it *Intent) addLeg(l *leg) {
	it.legs[l.flag] = l
	it.signals |= l.flag
}

// ID returns the intent identifier used in logs and lookups.
func (it *Intent) ID() string { return it.id }

// Kind reports whether the intent connects or disconnects.
func (it *Intent) Kind() IntentKind { return it.kind }

// Tenant returns the tenant the intent acts for.
func (it *Intent) Tenant() model.TenantID { return it.tenant }

// Signals returns the requested signal mask.
func (it *Intent) Signals() model.SignalType { return it.signals }

// Created returns when the intent was accepted.
func (it *Intent) Created() time.Time { return it.created }

// Done is closed once the intent settles.
func (it *Intent) Done() <-chan struct{} { return it.done }

// Result returns the outcome. The boolean is false while the intent is
// still pending.
func (it *Intent) Result() (Result, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.settled {
		return Result{}, false
	}
	return it.result, true
}

// Wait blocks until the intent settles or ctx ends.
func (it *Intent) Wait(ctx context.Context) (Result, error) {
	select {
	case <-it.done:
		res, _ := it.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pending reports whether the intent is still waiting for devices.
func (it *Intent) Pending() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return !it.settled
}

// markSuperseded fails the leg for flag because a newer request took over
// its destination. The other legs keep counting down their commands. It
// reports whether the intent now waits only on superseded legs and should
// be settled; false once the intent has settled.
func (it *Intent) markSuperseded(flag model.SignalType) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.settled {
		return false
	}
	if l, ok := it.legs[flag]; ok {
		l.fail(ReasonSuperseded, nil)
		l.superseded = true
	}
	return it.onlySupersededLeftLocked()
}

// onlySupersededLeftLocked reports whether some leg was superseded and
// every other leg has all its commands acknowledged. Caller must hold it.mu.
func (it *Intent) onlySupersededLeftLocked() bool {
	found := false
	for _, l := range it.legs {
		if l.superseded {
			found = true
			continue
		}
		if l.outstanding > 0 {
			return false
		}
	}
	return found
}

// settleLocked computes the result. reason, when set, fails every leg that
// still has outstanding commands; for ReasonSuperseded those are the
// superseded legs only. It reports false when the intent had
// already settled. Caller must hold it.mu and closes done afterwards.
func (it *Intent) settleLocked(reason string, now time.Time) bool {
	if it.settled {
		return false
	}
	it.settled = true
	it.settle = now
	if it.timer != nil {
		it.timer.Stop()
	}

	res := Result{
		Success: reason == "",
		Reason:  reason,
		Signals: make(map[model.SignalType]SignalResult, len(it.legs)),
	}
	for flag, l := range it.legs {
		if reason != "" && l.outstanding > 0 {
			l.fail(reason, nil)
		}
		sr := SignalResult{
			Signal:      flag,
			Source:      l.src,
			Destination: l.dst,
			Path:        l.path,
			Succeeded:   !l.failed,
			Reason:      l.reason,
			Err:         l.err,
		}
		sr.Connected = it.kind == KindRoute && sr.Succeeded && l.path != nil
		if !sr.Succeeded {
			res.Success = false
		}
		res.Signals[flag] = sr
	}
	it.result = res
	return true
}
