// Package temporal answers point-in-time questions over the change stream
// and version chains. All queries are read-only and deterministic: given
// the same stored records and the same parameters they return the same
// answer, with no dependence on wall-clock time.
package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/store"
)

// Engine reads the ledger. It never writes.
type Engine struct {
	store  *store.Store
	policy *policy.Policy
}

// New creates a temporal engine over the given store.
func New(s *store.Store, p *policy.Policy) *Engine {
	return &Engine{store: s, policy: p}
}

// Lookup is a resolved point-in-time value.
type Lookup struct {
	Value  string // canonical JSON leaf text
	Source string // "change" or "baseline"
	// Endpoint is set for baseline lookups, naming the chain that supplied
	// the value.
	Endpoint string
}

// ValueAt resolves the value of a field for an employee as of a date.
//
// The last authoritative change record with detected_at <= date wins; only
// the last applicable change matters for a scalar field, so this is as-of
// replay, not full event replay. When no change record covers the path yet
// the payload of the version chain in effect at the date supplies the
// original baseline. Returns nil when the field is unknown at that date.
func (e *Engine) ValueAt(ctx context.Context, employeeID, fieldPath string, date time.Time) (*Lookup, error) {
	rec, err := e.store.LastChangeBefore(ctx, employeeID, fieldPath, date)
	if err != nil {
		return nil, fmt.Errorf("value at: %w", err)
	}
	if rec != nil {
		if rec.ChangeType == ledger.ChangeFieldRemoved {
			return nil, nil
		}
		return &Lookup{Value: rec.NewValue, Source: "change"}, nil
	}
	return e.baselineAt(ctx, employeeID, fieldPath, date)
}

// baselineAt extracts the field from the version in effect at the date.
// Among endpoints whose effective version carries the path, the one
// collected last wins, mirroring the detector's tie-break. A partial or
// low-confidence covering version is swapped for the nearest trusted
// version in its chain.
func (e *Engine) baselineAt(ctx context.Context, employeeID, fieldPath string, date time.Time) (*Lookup, error) {
	endpoints, err := e.store.Endpoints(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("baseline at: %w", err)
	}

	var best *Lookup
	var bestCollected time.Time
	for _, endpoint := range endpoints {
		chain, err := e.store.Chain(ctx, employeeID, endpoint)
		if err != nil {
			return nil, fmt.Errorf("baseline at: %w", err)
		}
		ver := e.effectiveVersion(chain, date)
		if ver == nil {
			continue
		}
		value, ok := ledger.ValueAtPath(ver.Payload, fieldPath)
		if !ok {
			continue
		}
		if best == nil || ver.CollectedAt.After(bestCollected) {
			best = &Lookup{Value: value, Source: "baseline", Endpoint: endpoint}
			bestCollected = ver.CollectedAt
		}
	}
	return best, nil
}

// effectiveVersion picks the chain version whose validity window covers the
// date. When that version is partial or its confidence sits below the
// policy floor, the nearest trusted version by effective_from distance is
// preferred; degraded fetches stay chained but should not answer queries
// when a better observation exists.
func (e *Engine) effectiveVersion(chain []ledger.RawVersion, date time.Time) *ledger.RawVersion {
	covering := -1
	for i := range chain {
		v := &chain[i]
		if v.EffectiveFrom.After(date) {
			break
		}
		covering = i
		if v.EffectiveTo == nil || v.EffectiveTo.After(date) {
			break
		}
	}
	if covering == -1 {
		return nil
	}
	v := &chain[covering]
	if e.trusted(v) {
		return v
	}

	var nearest *ledger.RawVersion
	var nearestGap time.Duration
	for i := range chain {
		cand := &chain[i]
		if !e.trusted(cand) {
			continue
		}
		gap := cand.EffectiveFrom.Sub(v.EffectiveFrom)
		if gap < 0 {
			gap = -gap
		}
		if nearest == nil || gap < nearestGap {
			nearest = cand
			nearestGap = gap
		}
	}
	if nearest != nil {
		return nearest
	}
	return v
}

func (e *Engine) trusted(v *ledger.RawVersion) bool {
	return !v.IsPartial && v.Confidence >= e.policy.ConfidenceFloor
}

// Current is a current-value read with the conflict overlay applied.
type Current struct {
	Value      string
	Source     string // "local", "change" or "baseline"
	Conflicted bool
}

// CurrentValue resolves the present value of a field. While a conflict on
// an authoritative field is open, a manually set local record wins over the
// synced truth; ingestion is never blocked by conflicts, only this derived
// read prefers local until a human resolves it.
func (e *Engine) CurrentValue(ctx context.Context, employeeID, fieldPath string, now time.Time) (*Current, error) {
	conflict, err := e.store.OpenConflictForField(ctx, employeeID, fieldPath)
	if err != nil {
		return nil, fmt.Errorf("current value: %w", err)
	}
	if conflict != nil && e.policy.IsAuthoritative(fieldPath) {
		local, err := e.store.LocalRecord(ctx, employeeID, fieldPath)
		if err != nil {
			return nil, fmt.Errorf("current value: %w", err)
		}
		if local != nil && local.ManuallySet {
			return &Current{Value: local.Value, Source: "local", Conflicted: true}, nil
		}
	}

	lookup, err := e.ValueAt(ctx, employeeID, fieldPath, now)
	if err != nil {
		return nil, err
	}
	if lookup == nil {
		return nil, nil
	}
	return &Current{
		Value:      lookup.Value,
		Source:     lookup.Source,
		Conflicted: conflict != nil,
	}, nil
}
