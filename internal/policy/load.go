package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// policySchema constrains user-supplied policy files. Durations are CUE
// strings in Go time.ParseDuration syntax.
const policySchema = `
#Policy: {
	significant_paths?: [...string]
	authoritative_paths?: [...string]
	confidence_decay_per_retry?: number & >=0 & <=1
	confidence_floor?:           number & >=0 & <=1
	dedup_window?:      string
	collapse_window?:   string
	backoff_base?:      string
	backoff_cap?:       string
	max_attempts?:      int & >0
	starvation_age?:    string
	escalation_age?:    string
	session_ceiling?:   string
	contract_chain_threshold?: int & >0
	anniversary_years?:        int & >0
}
policy: #Policy
`

// rawPolicy mirrors the CUE shape for decoding.
type rawPolicy struct {
	SignificantPaths        []string `json:"significant_paths"`
	AuthoritativePaths      []string `json:"authoritative_paths"`
	ConfidenceDecayPerRetry *float64 `json:"confidence_decay_per_retry"`
	ConfidenceFloor         *float64 `json:"confidence_floor"`
	DedupWindow             string   `json:"dedup_window"`
	CollapseWindow          string   `json:"collapse_window"`
	BackoffBase             string   `json:"backoff_base"`
	BackoffCap              string   `json:"backoff_cap"`
	MaxAttempts             *int     `json:"max_attempts"`
	StarvationAge           string   `json:"starvation_age"`
	EscalationAge           string   `json:"escalation_age"`
	SessionCeiling          string   `json:"session_ceiling"`
	ContractChainThreshold  *int     `json:"contract_chain_threshold"`
	AnniversaryYears        *int     `json:"anniversary_years"`
}

// LoadDir loads policy overrides from a directory of CUE files, validated
// against the embedded schema, and merges them over Default(). Fields the
// files do not set keep their default values.
func LoadDir(dir string) (*Policy, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("policy directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy path is not a directory: %s", dir)
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning policy directory: %w", err)
	}
	if len(cueFiles) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}

	schema := ctx.CompileString(policySchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling policy schema: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	var raw rawPolicy
	if err := unified.LookupPath(cue.ParsePath("policy")).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}

	return merge(Default(), &raw)
}

func merge(base *Policy, raw *rawPolicy) (*Policy, error) {
	p := *base

	if raw.SignificantPaths != nil {
		p.SignificantPaths = raw.SignificantPaths
	}
	if raw.AuthoritativePaths != nil {
		p.AuthoritativePaths = raw.AuthoritativePaths
	}
	if raw.ConfidenceDecayPerRetry != nil {
		p.ConfidenceDecayPerRetry = *raw.ConfidenceDecayPerRetry
	}
	if raw.ConfidenceFloor != nil {
		p.ConfidenceFloor = *raw.ConfidenceFloor
	}
	if raw.MaxAttempts != nil {
		p.MaxAttempts = *raw.MaxAttempts
	}
	if raw.ContractChainThreshold != nil {
		p.ContractChainThreshold = *raw.ContractChainThreshold
	}
	if raw.AnniversaryYears != nil {
		p.AnniversaryYears = *raw.AnniversaryYears
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"dedup_window", raw.DedupWindow, &p.DedupWindow},
		{"collapse_window", raw.CollapseWindow, &p.CollapseWindow},
		{"backoff_base", raw.BackoffBase, &p.BackoffBase},
		{"backoff_cap", raw.BackoffCap, &p.BackoffCap},
		{"starvation_age", raw.StarvationAge, &p.StarvationAge},
		{"escalation_age", raw.EscalationAge, &p.EscalationAge},
		{"session_ceiling", raw.SessionCeiling, &p.SessionCeiling},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if p.ConfidenceFloor > 1 || p.ConfidenceFloor < 0 {
		return nil, fmt.Errorf("policy confidence_floor out of range: %v", p.ConfidenceFloor)
	}
	return &p, nil
}

func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
