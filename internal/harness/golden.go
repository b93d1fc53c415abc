package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/temporal"
)

// toCanonicalMap flattens a run result into plain maps and strings so it
// can pass through canonical JSON serialization. Timestamps use the
// ledger's fixed-width layout.
func toCanonicalMap(scenarioName string, result *Result) map[string]any {
	sessions := make([]any, len(result.Sessions))
	for i, s := range result.Sessions {
		sessions[i] = string(s)
	}

	timelines := map[string]any{}
	for employee, events := range result.Timelines {
		list := make([]any, len(events))
		for i, ev := range events {
			list[i] = eventToMap(ev)
		}
		timelines[employee] = list
	}

	return map[string]any{
		"scenario_name":  scenarioName,
		"sessions":       sessions,
		"open_conflicts": result.OpenConflicts,
		"timelines":      timelines,
	}
}

func eventToMap(ev temporal.Event) map[string]any {
	fields := make([]any, len(ev.Fields))
	for i, f := range ev.Fields {
		m := map[string]any{
			"field_path": f.FieldPath,
			"type":       f.Type,
		}
		if f.OldValue != "" {
			m["old_value"] = f.OldValue
		}
		if f.NewValue != "" {
			m["new_value"] = f.NewValue
		}
		fields[i] = m
	}

	endpoints := make([]any, len(ev.Endpoints))
	for i, e := range ev.Endpoints {
		endpoints[i] = e
	}

	m := map[string]any{
		"occurred_at": ledger.FormatTime(ev.OccurredAt),
		"endpoints":   endpoints,
		"fields":      fields,
	}
	if len(ev.Milestones) > 0 {
		milestones := make([]any, len(ev.Milestones))
		for i, ms := range ev.Milestones {
			milestones[i] = ms
		}
		m["milestones"] = milestones
	}
	return m
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden. Regenerate goldens with:
//
//	go test ./internal/harness -update
//
// The scenario's expect clauses are checked first; a failing expectation
// fails the test before the golden comparison runs.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("scenario %s: %s", scenario.Name, msg)
	}

	snapshot, err := ledger.MarshalCanonical(toCanonicalMap(scenario.Name, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, snapshot)
	return nil
}
