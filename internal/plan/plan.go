// Package plan holds the merge plan: a durable, reviewable list of
// (primary, redundant ids) instructions produced by adjudication and consumed
// by the executor.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Merge folds every redundant id into the primary id.
type Merge struct {
	PrimaryID    int64   `json:"primary_id"`
	RedundantIDs []int64 `json:"redundant_ids"`
}

// Plan is the serialized artifact. Only Merges is required when reading.
type Plan struct {
	PlanID    string    `json:"plan_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	Merges    []Merge   `json:"merges"`
}

// New returns an empty plan with a fresh id.
func New() *Plan {
	return &Plan{
		PlanID:    uuid.NewString(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Merges:    []Merge{},
	}
}

// Tuples returns the number of (primary, redundant) pairs in the plan.
func (p *Plan) Tuples() int {
	n := 0
	for _, m := range p.Merges {
		n += len(m.RedundantIDs)
	}
	return n
}

// Validate re-checks the structural rules on a plan that may have been edited
// by hand. It returns a copy holding only the merges that pass, plus one
// error per rejected merge. Cluster membership cannot be checked here.
func (p *Plan) Validate() (*Plan, []*ValidationError) {
	out := &Plan{PlanID: p.PlanID, CreatedAt: p.CreatedAt, Merges: []Merge{}}
	v := newValidator()
	var errs []*ValidationError
	for _, m := range p.Merges {
		m, verr := v.check(m, nil)
		if verr != nil {
			errs = append(errs, verr)
			continue
		}
		v.claim(m)
		out.Merges = append(out.Merges, m)
	}
	return out, errs
}

// Load reads a plan artifact.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if p.Merges == nil {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err == nil {
			if _, ok := probe["merges"]; !ok {
				return nil, fmt.Errorf("parse plan %s: missing \"merges\"", path)
			}
		}
		p.Merges = []Merge{}
	}
	return &p, nil
}

// Save writes the plan atomically: a temp file in the same directory is
// renamed over path.
func (p *Plan) Save(path string) error {
	if p.Merges == nil {
		p.Merges = []Merge{}
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".merge_plan-*.json")
	if err != nil {
		return fmt.Errorf("create temp plan: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write plan: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close plan: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename plan: %w", err)
	}
	return nil
}
