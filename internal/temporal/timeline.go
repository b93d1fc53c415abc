package temporal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
)

// Milestone labels attached to timeline events by business rules.
const (
	MilestoneFirstContract = "first-contract"
	MilestoneContractChain = "contract-chain"
	MilestoneAnniversary   = "anniversary"
)

// EventField is one field transition inside a composite event.
type EventField struct {
	FieldPath string `json:"field_path"`
	OldValue  string `json:"old_value,omitempty"`
	NewValue  string `json:"new_value,omitempty"`
	Type      string `json:"type"`
}

// Event is one entry of an employee timeline. Multiple endpoints reporting
// the same logical event in one session collapse into a single composite
// event carrying every field transition.
type Event struct {
	OccurredAt time.Time    `json:"occurred_at"`
	Endpoints  []string     `json:"endpoints"`
	Fields     []EventField `json:"fields"`
	Milestones []string     `json:"milestones,omitempty"`
}

// Timeline merges an employee's significant authoritative changes across
// all endpoints into one time-ordered sequence of composite events. Zero
// from/to bounds are open. Duplicates never appear; they were demoted at
// detection time precisely so this merge stays simple.
func (e *Engine) Timeline(ctx context.Context, employeeID string, from, to time.Time) ([]Event, error) {
	changes, err := e.store.ChangesForEmployee(ctx, employeeID, from, to, true)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}

	authoritative := changes[:0]
	for _, rec := range changes {
		if !rec.IsDuplicate {
			authoritative = append(authoritative, rec)
		}
	}

	events := e.collapse(authoritative)
	e.attachMilestones(events)
	return events, nil
}

// collapse groups changes into composite events. A change joins the open
// group when it shares the group's sync session or was detected within the
// collapse window of the group's first change; near-duplicate timestamps
// from different endpoints reporting the same logical event thereby merge.
func (e *Engine) collapse(changes []ledger.ChangeRecord) []Event {
	events := []Event{}
	var groupStart time.Time
	var groupSessions map[string]bool

	for _, rec := range changes {
		sameSession := groupSessions != nil &&
			rec.SyncSessionID != "" && groupSessions[rec.SyncSessionID]
		inWindow := len(events) > 0 &&
			rec.DetectedAt.Sub(groupStart) <= e.policy.CollapseWindow

		if len(events) == 0 || (!sameSession && !inWindow) {
			events = append(events, Event{OccurredAt: rec.DetectedAt})
			groupStart = rec.DetectedAt
			groupSessions = map[string]bool{}
		}

		cur := &events[len(events)-1]
		cur.Fields = append(cur.Fields, EventField{
			FieldPath: rec.FieldPath,
			OldValue:  rec.OldValue,
			NewValue:  rec.NewValue,
			Type:      string(rec.ChangeType),
		})
		cur.Endpoints = appendUnique(cur.Endpoints, rec.Endpoint)
		if rec.SyncSessionID != "" {
			groupSessions[rec.SyncSessionID] = true
		}
	}

	for i := range events {
		sort.Slice(events[i].Fields, func(a, b int) bool {
			return events[i].Fields[a].FieldPath < events[i].Fields[b].FieldPath
		})
		sort.Strings(events[i].Endpoints)
	}
	return events
}

// attachMilestones applies the business rules over the ordered events: the
// earliest contract event is the first contract, the Nth contract event
// marks a chain of consecutive contracts, and the first event at or past
// the anniversary of the first contract carries the anniversary flag.
func (e *Engine) attachMilestones(events []Event) {
	contractEvents := 0
	var firstContract time.Time
	anniversaryGiven := false

	for i := range events {
		ev := &events[i]

		if touchesContract(ev) {
			contractEvents++
			if contractEvents == 1 {
				firstContract = ev.OccurredAt
				ev.Milestones = append(ev.Milestones, MilestoneFirstContract)
			}
			if contractEvents == e.policy.ContractChainThreshold {
				ev.Milestones = append(ev.Milestones, MilestoneContractChain)
			}
		}

		if !anniversaryGiven && contractEvents > 0 {
			anniversary := firstContract.AddDate(e.policy.AnniversaryYears, 0, 0)
			if !ev.OccurredAt.Before(anniversary) && !ev.OccurredAt.Equal(firstContract) {
				ev.Milestones = append(ev.Milestones, MilestoneAnniversary)
				anniversaryGiven = true
			}
		}
	}
}

func touchesContract(ev *Event) bool {
	for _, f := range ev.Fields {
		if strings.HasPrefix(f.FieldPath, "contract.") || f.FieldPath == "contract" {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
