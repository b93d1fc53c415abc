// Package conflict reconciles synced changes against locally edited
// records. Conflicts never block ingestion; they gate which value derived
// reads prefer until a human decides.
package conflict

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/store"
)

// Resolver checks change records for disagreement with local truth and
// applies human resolutions.
type Resolver struct {
	store  *store.Store
	policy *policy.Policy
}

// New creates a resolver.
func New(s *store.Store, p *policy.Policy) *Resolver {
	return &Resolver{store: s, policy: p}
}

// Check raises a conflict when the change touches a field the local system
// treats as authoritative-when-manually-set and the manually set local
// value disagrees with the synced new value. Returns nil when there is no
// disagreement. Re-checking an already conflicted field returns the open
// conflict without stacking a second one.
func (r *Resolver) Check(ctx context.Context, rec ledger.ChangeRecord) (*ledger.SyncConflict, error) {
	if !r.policy.IsAuthoritative(rec.FieldPath) {
		return nil, nil
	}

	local, err := r.store.LocalRecord(ctx, rec.EmployeeID, rec.FieldPath)
	if err != nil {
		return nil, fmt.Errorf("conflict check: %w", err)
	}
	if local == nil || !local.ManuallySet {
		return nil, nil
	}
	if local.Value == rec.NewValue {
		return nil, nil
	}

	conflict, created, err := r.store.InsertConflict(ctx, ledger.SyncConflict{
		EmployeeID:     rec.EmployeeID,
		FieldPath:      rec.FieldPath,
		ConflictType:   "local-edit-vs-remote",
		LocalData:      local.Value,
		RemoteData:     rec.NewValue,
		ChangeRecordID: rec.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("conflict check: %w", err)
	}
	if created {
		slog.Warn("sync conflict raised",
			"employee", rec.EmployeeID,
			"field", rec.FieldPath)
	}
	return conflict, nil
}

// Resolve applies a human decision. keep_remote overwrites the local record
// with the synced value and clears its manual flag, so the field stops
// being sheltered until someone edits it again. keep_local and ignore leave
// the local record untouched.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, decision ledger.ConflictDecision, resolvedBy string) (*ledger.SyncConflict, error) {
	resolved, err := r.store.ResolveConflict(ctx, conflictID, decision, resolvedBy)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	if decision == ledger.DecisionKeepRemote {
		err := r.store.UpsertLocalRecord(ctx, ledger.LocalRecord{
			EmployeeID:  resolved.EmployeeID,
			FieldPath:   resolved.FieldPath,
			Value:       resolved.RemoteData,
			ManuallySet: false,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve: adopt remote value: %w", err)
		}
	}

	slog.Info("conflict resolved",
		"conflict", resolved.ID,
		"decision", string(decision),
		"by", resolvedBy)
	return resolved, nil
}

// Open lists unresolved conflicts, optionally scoped to one employee.
func (r *Resolver) Open(ctx context.Context, employeeID string) ([]ledger.SyncConflict, error) {
	return r.store.OpenConflicts(ctx, employeeID)
}

// Escalated lists unresolved conflicts older than the policy escalation
// age. They stay listed until resolved; nothing auto-resolves.
func (r *Resolver) Escalated(ctx context.Context) ([]ledger.SyncConflict, error) {
	return r.store.EscalatedConflicts(ctx, r.policy.EscalationAge)
}
