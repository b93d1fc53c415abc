package store

import (
	"context"
	"fmt"

	"github.com/cadans/hrledger/internal/ledger"
)

// VerifyReport summarizes a full-store integrity check.
type VerifyReport struct {
	ChainsChecked   int
	VersionsChecked int
	Problems        []string
}

// OK reports whether verification found no problems.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

func (r *VerifyReport) addf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify walks every version chain and checks the invariants ingestion is
// supposed to maintain: stored hashes recompute from payloads, exactly one
// open head per chain, supersession links pair up, and adjacent versions
// never share a hash. It reports problems rather than failing on the first
// so a damaged store can be surveyed in one pass.
func (s *Store) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT employee_id, endpoint FROM raw_versions
		ORDER BY employee_id, endpoint
	`)
	if err != nil {
		return nil, fmt.Errorf("verify: list chains: %w", err)
	}
	defer rows.Close()

	type chainKey struct{ employee, endpoint string }
	var keys []chainKey
	for rows.Next() {
		var k chainKey
		if err := rows.Scan(&k.employee, &k.endpoint); err != nil {
			return nil, fmt.Errorf("verify: scan chain key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("verify: iterate chains: %w", err)
	}

	for _, k := range keys {
		chain, err := s.Chain(ctx, k.employee, k.endpoint)
		if err != nil {
			return nil, fmt.Errorf("verify: load chain %s/%s: %w", k.employee, k.endpoint, err)
		}
		report.ChainsChecked++
		report.VersionsChecked += len(chain)
		s.verifyChain(report, k.employee, k.endpoint, chain)
	}
	return report, nil
}

func (s *Store) verifyChain(report *VerifyReport, employeeID, endpoint string, chain []ledger.RawVersion) {
	latest := 0
	byID := make(map[string]*ledger.RawVersion, len(chain))
	for i := range chain {
		byID[chain[i].ID] = &chain[i]
	}

	for i := range chain {
		v := &chain[i]

		got, err := ledger.ContentHash(v.Payload)
		if err != nil {
			report.addf("%s/%s version %s: payload does not canonicalize: %v",
				employeeID, endpoint, v.ID, err)
		} else if got != v.ContentHash {
			report.addf("%s/%s version %s: content hash mismatch: stored %s, computed %s",
				employeeID, endpoint, v.ID, v.ContentHash, got)
		}

		if v.IsLatest {
			latest++
			if v.EffectiveTo != nil {
				report.addf("%s/%s version %s: latest but effective_to is set",
					employeeID, endpoint, v.ID)
			}
			if v.SupersededBy != "" {
				report.addf("%s/%s version %s: latest but superseded by %s",
					employeeID, endpoint, v.ID, v.SupersededBy)
			}
		} else {
			if v.EffectiveTo == nil {
				report.addf("%s/%s version %s: superseded but effective_to is open",
					employeeID, endpoint, v.ID)
			}
			if v.SupersededBy == "" {
				report.addf("%s/%s version %s: superseded but superseded_by is empty",
					employeeID, endpoint, v.ID)
			}
		}

		if v.Supersedes != "" {
			prev, ok := byID[v.Supersedes]
			switch {
			case !ok:
				report.addf("%s/%s version %s: supersedes unknown version %s",
					employeeID, endpoint, v.ID, v.Supersedes)
			case prev.SupersededBy != v.ID:
				report.addf("%s/%s version %s: supersession link unpaired with %s",
					employeeID, endpoint, v.ID, prev.ID)
			case prev.ContentHash == v.ContentHash:
				report.addf("%s/%s version %s: duplicate hash of predecessor %s escaped dedup",
					employeeID, endpoint, v.ID, prev.ID)
			}
		}
	}

	switch {
	case latest == 0 && len(chain) > 0:
		report.addf("%s/%s: chain has no latest version", employeeID, endpoint)
	case latest > 1:
		report.addf("%s/%s: chain has %d latest versions", employeeID, endpoint, latest)
	}
}
