// Package policy holds the tunable classification and scheduling rules of
// the sync engine: which field paths count as significant, which are
// locally authoritative, how confidence decays with retries, and the
// retry/dedup/escalation windows.
//
// The defaults are compiled in; deployments override them with a directory
// of CUE files validated against the embedded schema.
package policy

import (
	"strings"
	"time"
)

// Policy is the resolved rule set. All consumers treat it as immutable
// after load.
type Policy struct {
	// SignificantPaths lists field paths whose changes are business
	// relevant. An entry ending in "." matches the whole subtree.
	SignificantPaths []string

	// AuthoritativePaths lists field paths where a manually set local
	// record wins over synced data until a conflict is resolved.
	AuthoritativePaths []string

	// ConfidenceDecayPerRetry is subtracted from 1.0 per prior retry when
	// a fetch finally succeeds.
	ConfidenceDecayPerRetry float64

	// ConfidenceFloor bounds decay from below; the temporal engine also
	// prefers the nearest non-partial version when a version's confidence
	// sits below this floor.
	ConfidenceFloor float64

	// DedupWindow is the trailing window within which an identical change
	// for the same employee is flagged duplicate even across sessions.
	DedupWindow time.Duration

	// CollapseWindow bounds how far apart two endpoint reports of the same
	// logical event may be and still merge into one timeline event.
	CollapseWindow time.Duration

	// Job queue retry policy.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int

	// StarvationAge promotes pending jobs that waited this long regardless
	// of priority.
	StarvationAge time.Duration

	// EscalationAge marks unresolved conflicts as escalated once exceeded.
	EscalationAge time.Duration

	// SessionCeiling is the wall-clock budget after which a running
	// session is marked failed.
	SessionCeiling time.Duration

	// Timeline milestone rules.
	ContractChainThreshold int // n-th contract renewal marks the chain milestone
	AnniversaryYears       int
}

// Default returns the compiled-in policy. Values mirror the shipped
// policy.cue so a deployment without a policy directory behaves
// identically to one using the stock files.
func Default() *Policy {
	return &Policy{
		SignificantPaths: []string{
			"salary.",
			"hours.per_week",
			"contract.start_date",
			"contract.end_date",
			"contract.type",
			"personal.date_of_birth",
		},
		AuthoritativePaths:      []string{"hours.per_week", "salary.gross_monthly"},
		ConfidenceDecayPerRetry: 0.2,
		ConfidenceFloor:         0.3,
		DedupWindow:             48 * time.Hour,
		CollapseWindow:          24 * time.Hour,
		BackoffBase:             30 * time.Second,
		BackoffCap:              30 * time.Minute,
		MaxAttempts:             5,
		StarvationAge:           15 * time.Minute,
		EscalationAge:           7 * 24 * time.Hour,
		SessionCeiling:          2 * time.Hour,
		ContractChainThreshold:  3,
		AnniversaryYears:        5,
	}
}

// IsSignificant reports whether a field path is business relevant.
func (p *Policy) IsSignificant(path string) bool {
	return matchPath(p.SignificantPaths, path)
}

// IsAuthoritative reports whether a manually set local record at this path
// overrides synced data.
func (p *Policy) IsAuthoritative(path string) bool {
	return matchPath(p.AuthoritativePaths, path)
}

func matchPath(patterns []string, path string) bool {
	for _, pat := range patterns {
		if strings.HasSuffix(pat, ".") {
			if strings.HasPrefix(path, pat) {
				return true
			}
			continue
		}
		if path == pat {
			return true
		}
	}
	return false
}

// Confidence computes the score of a version committed after the given
// number of prior retries: 1 - decay*retries, bounded by the floor.
func (p *Policy) Confidence(retries int) float64 {
	score := 1.0 - p.ConfidenceDecayPerRetry*float64(retries)
	if score < p.ConfidenceFloor {
		return p.ConfidenceFloor
	}
	return score
}

// Backoff computes the retry delay after the given attempt count:
// base * 2^attempts, capped.
func (p *Policy) Backoff(attempts int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
