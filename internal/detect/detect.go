// Package detect diffs consecutive chain versions and records classified
// field changes.
package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/store"
)

// FieldDelta is one raw difference between two payloads, before
// significance classification and deduplication.
type FieldDelta struct {
	FieldPath string
	OldValue  string // canonical leaf text, empty when the path is new
	NewValue  string // canonical leaf text, empty when the path was removed
	Type      ledger.ChangeType
}

// Diff walks the flattened field paths of both payloads and reports every
// difference. Pure: same inputs, same output, in lexicographic path order.
func Diff(oldDoc, newDoc ledger.Document) ([]FieldDelta, error) {
	oldFlat, err := ledger.Flatten(oldDoc)
	if err != nil {
		return nil, fmt.Errorf("flatten old payload: %w", err)
	}
	newFlat, err := ledger.Flatten(newDoc)
	if err != nil {
		return nil, fmt.Errorf("flatten new payload: %w", err)
	}

	var deltas []FieldDelta
	for _, path := range ledger.SortedPaths(oldFlat, newFlat) {
		oldVal, inOld := oldFlat[path]
		newVal, inNew := newFlat[path]

		switch {
		case inOld && inNew && oldVal != newVal:
			deltas = append(deltas, FieldDelta{
				FieldPath: path, OldValue: oldVal, NewValue: newVal,
				Type: ledger.ChangeValueChanged,
			})
		case !inOld && inNew:
			deltas = append(deltas, FieldDelta{
				FieldPath: path, NewValue: newVal,
				Type: ledger.ChangeFieldAdded,
			})
		case inOld && !inNew:
			deltas = append(deltas, FieldDelta{
				FieldPath: path, OldValue: oldVal,
				Type: ledger.ChangeFieldRemoved,
			})
		}
	}
	return deltas, nil
}

// Detector persists the deltas of a supersession as change records.
type Detector struct {
	store  *store.Store
	policy *policy.Policy
	clock  ledger.Clock
}

// New creates a detector. A nil clock falls back to the system clock.
func New(s *store.Store, p *policy.Policy, clock ledger.Clock) *Detector {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Detector{store: s, policy: p, clock: clock}
}

// Record diffs a superseded version against its successor and writes one
// change record per delta. The first version of a chain has no predecessor
// and produces no records; its payload is the baseline the temporal engine
// falls back to.
//
// Every delta is recorded, duplicates included; is_duplicate flags a record
// rather than omitting it so the audit trail stays complete. A record is a
// duplicate when an equivalent (field, old, new) change was already written
// by an earlier session inside the trailing dedup window. Within one
// session only the cross-endpoint tie-break assigns the flag: the latest
// collected_at for a field wins as authoritative and earlier same-session
// records are demoted, so two endpoints reporting the identical transition
// leave exactly one authoritative record.
func (d *Detector) Record(ctx context.Context, prev, next *ledger.RawVersion) ([]ledger.ChangeRecord, error) {
	if prev == nil {
		return nil, nil
	}

	deltas, err := Diff(prev.Payload, next.Payload)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	now := d.clock.Now()
	cutoff := now.Add(-d.policy.DedupWindow)

	var records []ledger.ChangeRecord
	for _, delta := range deltas {
		rec := ledger.ChangeRecord{
			ID:            uuid.New().String(),
			EmployeeID:    next.EmployeeID,
			Endpoint:      next.Endpoint,
			FieldPath:     delta.FieldPath,
			OldValue:      delta.OldValue,
			NewValue:      delta.NewValue,
			ChangeType:    delta.Type,
			IsSignificant: d.policy.IsSignificant(delta.FieldPath),
			DetectedAt:    now,
			CollectedAt:   next.CollectedAt,
			SyncSessionID: next.SyncSessionID,
		}

		identity := ledger.ChangeIdentity(rec.FieldPath, rec.OldValue, rec.NewValue)
		equivalent, err := d.store.EquivalentChangeExists(ctx,
			rec.EmployeeID, identity, rec.SyncSessionID, cutoff)
		if err != nil {
			return nil, fmt.Errorf("detect: dedup check: %w", err)
		}
		if equivalent {
			rec.IsDuplicate = true
		}

		if err := d.applyTieBreak(ctx, &rec); err != nil {
			return nil, err
		}

		if err := d.store.WriteChangeRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("detect: %w", err)
		}
		if rec.IsSignificant && !rec.IsDuplicate {
			slog.Info("significant change detected",
				"employee", rec.EmployeeID,
				"field", rec.FieldPath,
				"type", string(rec.ChangeType))
		}
		records = append(records, rec)
	}
	return records, nil
}

// applyTieBreak reconciles rec against same-session records for the same
// field from other endpoints. The later collected_at wins as authoritative;
// on equal collection times with the same transition, the record written
// first keeps authority.
func (d *Detector) applyTieBreak(ctx context.Context, rec *ledger.ChangeRecord) error {
	if rec.SyncSessionID == "" {
		return nil
	}
	existing, err := d.store.SessionFieldChanges(ctx,
		rec.EmployeeID, rec.FieldPath, rec.SyncSessionID)
	if err != nil {
		return fmt.Errorf("detect: tie-break read: %w", err)
	}

	identity := ledger.ChangeIdentity(rec.FieldPath, rec.OldValue, rec.NewValue)
	for _, other := range existing {
		switch {
		case other.CollectedAt.After(rec.CollectedAt):
			rec.IsDuplicate = true
		case rec.CollectedAt.After(other.CollectedAt):
			if !other.IsDuplicate {
				if err := d.store.MarkChangeDuplicate(ctx, other.ID); err != nil {
					return fmt.Errorf("detect: tie-break demote: %w", err)
				}
			}
		case !other.IsDuplicate &&
			ledger.ChangeIdentity(other.FieldPath, other.OldValue, other.NewValue) == identity:
			rec.IsDuplicate = true
		}
	}
	return nil
}
