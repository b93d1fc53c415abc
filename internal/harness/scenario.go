package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario scripts one end-to-end exercise of the sync pipeline.
type Scenario struct {
	// Name uniquely identifies this scenario; golden files are named
	// after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the RFC 3339 instant the frozen clock begins at.
	// Defaults to 2025-01-01T00:00:00Z.
	Start string `yaml:"start,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Expect asserts on the final ledger state.
	Expect ExpectClause `yaml:"expect"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	// Sync runs one sync session over the scripted responses.
	Sync *SyncStep `yaml:"sync,omitempty"`

	// Advance moves the clock forward, e.g. "24h".
	Advance string `yaml:"advance,omitempty"`

	// LocalEdit upserts a manually set local record.
	LocalEdit *LocalEditStep `yaml:"local_edit,omitempty"`

	// Resolve applies a decision to the open conflict on a field.
	Resolve *ResolveStep `yaml:"resolve,omitempty"`
}

// SyncStep scripts the provider for one session. The session scope is
// derived from the distinct employees and endpoints of the responses.
type SyncStep struct {
	Responses []Response `yaml:"responses"`
}

// Response is one scripted provider outcome. Listing the same pair twice
// queues consecutive outcomes; the last entry repeats once the queue is
// exhausted.
type Response struct {
	Employee string `yaml:"employee"`
	Endpoint string `yaml:"endpoint"`

	// Payload is the document to serve. Mutually exclusive with Error.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Status overrides the HTTP status; 206 marks the payload partial.
	Status int `yaml:"status,omitempty"`

	// Error is "transient" or "permanent".
	Error string `yaml:"error,omitempty"`
}

// LocalEditStep marks a field as manually maintained in the surrounding
// application.
type LocalEditStep struct {
	Employee    string `yaml:"employee"`
	Field       string `yaml:"field"`
	Value       string `yaml:"value"`
	ManuallySet *bool  `yaml:"manually_set,omitempty"` // default true
}

// ResolveStep resolves the open conflict on (employee, field).
type ResolveStep struct {
	Employee string `yaml:"employee"`
	Field    string `yaml:"field"`
	Decision string `yaml:"decision"` // keep_local | keep_remote | ignore
	By       string `yaml:"by"`
}

// ExpectClause asserts on the final state. Zero-valued fields are skipped,
// except LastSession which is always checked when set.
type ExpectClause struct {
	// LastSession is the expected status of the final session.
	LastSession string `yaml:"last_session,omitempty"`

	// OpenConflicts is the expected number of open conflicts. Checked
	// whenever any expectation is present, so 0 means "none".
	OpenConflicts int `yaml:"open_conflicts"`

	// Values are current-value expectations, conflict overlay applied.
	Values []ValueExpect `yaml:"values,omitempty"`

	// TimelineEvents maps employee ID to expected event count.
	TimelineEvents map[string]int `yaml:"timeline_events,omitempty"`
}

// ValueExpect asserts one current field value.
type ValueExpect struct {
	Employee string `yaml:"employee"`
	Field    string `yaml:"field"`
	Value    string `yaml:"value"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML from memory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start != "" {
		if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
			return fmt.Errorf("start must be RFC 3339: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	syncSteps := 0
	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
		if step.Sync != nil {
			syncSteps++
		}
	}
	if syncSteps == 0 {
		return fmt.Errorf("at least one sync step is required")
	}

	for i, v := range s.Expect.Values {
		if v.Employee == "" || v.Field == "" {
			return fmt.Errorf("expect.values[%d]: employee and field are required", i)
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	set := 0
	if step.Sync != nil {
		set++
	}
	if step.Advance != "" {
		set++
	}
	if step.LocalEdit != nil {
		set++
	}
	if step.Resolve != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of sync, advance, local_edit, resolve is required", index)
	}

	switch {
	case step.Sync != nil:
		if len(step.Sync.Responses) == 0 {
			return fmt.Errorf("steps[%d].sync: responses list is required and must be non-empty", index)
		}
		for j, r := range step.Sync.Responses {
			if r.Employee == "" || r.Endpoint == "" {
				return fmt.Errorf("steps[%d].sync.responses[%d]: employee and endpoint are required", index, j)
			}
			hasPayload := r.Payload != nil
			hasError := r.Error != ""
			if hasPayload == hasError {
				return fmt.Errorf("steps[%d].sync.responses[%d]: exactly one of payload or error is required", index, j)
			}
			if hasError && r.Error != "transient" && r.Error != "permanent" {
				return fmt.Errorf("steps[%d].sync.responses[%d]: error must be transient or permanent, got %q", index, j, r.Error)
			}
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be a positive duration, got %q", index, step.Advance)
		}
	case step.LocalEdit != nil:
		if step.LocalEdit.Employee == "" || step.LocalEdit.Field == "" {
			return fmt.Errorf("steps[%d].local_edit: employee and field are required", index)
		}
	case step.Resolve != nil:
		r := step.Resolve
		if r.Employee == "" || r.Field == "" || r.Decision == "" || r.By == "" {
			return fmt.Errorf("steps[%d].resolve: employee, field, decision and by are required", index)
		}
	}
	return nil
}
