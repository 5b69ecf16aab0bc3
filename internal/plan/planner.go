package plan

import (
	"fmt"
	"log/slog"

	"github.com/Napageneral/rolodex/internal/adjudicate"
	"github.com/Napageneral/rolodex/internal/cluster"
	"github.com/Napageneral/rolodex/internal/logging"
)

// Reason codes for rejected verdicts.
type Reason string

const (
	ReasonEmpty          Reason = "empty"
	ReasonSelfMerge      Reason = "self_merge"
	ReasonOutsideCluster Reason = "outside_cluster"
	ReasonDoubleClaim    Reason = "double_claim"
	ReasonChained        Reason = "chained"
)

// ValidationError is a rejected verdict.
type ValidationError struct {
	Reason Reason
	Merge  Merge
	// ID is the offending id, when one is identifiable.
	ID int64
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonEmpty:
		return fmt.Sprintf("merge into %d: no redundant ids", e.Merge.PrimaryID)
	case ReasonSelfMerge:
		return fmt.Sprintf("merge into %d: primary listed as redundant", e.Merge.PrimaryID)
	case ReasonOutsideCluster:
		return fmt.Sprintf("merge into %d: id %d is not in the same candidate cluster", e.Merge.PrimaryID, e.ID)
	case ReasonDoubleClaim:
		return fmt.Sprintf("merge into %d: id %d already merged by an earlier verdict", e.Merge.PrimaryID, e.ID)
	case ReasonChained:
		return fmt.Sprintf("merge into %d: id %d is both a primary and a redundant id", e.Merge.PrimaryID, e.ID)
	default:
		return fmt.Sprintf("merge into %d: rejected (%s)", e.Merge.PrimaryID, e.Reason)
	}
}

// validator tracks claims across every verdict accepted so far.
type validator struct {
	redundant map[int64]int64 // redundant id -> primary that claimed it
	primary   map[int64]struct{}
}

func newValidator() *validator {
	return &validator{
		redundant: make(map[int64]int64),
		primary:   make(map[int64]struct{}),
	}
}

// check normalizes m (duplicate redundant ids collapsed) and reports why it
// cannot be accepted. home is the originating cluster, or nil when unknown.
func (v *validator) check(m Merge, home *cluster.Cluster) (Merge, *ValidationError) {
	seen := make(map[int64]struct{}, len(m.RedundantIDs))
	ids := make([]int64, 0, len(m.RedundantIDs))
	for _, id := range m.RedundantIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	m = Merge{PrimaryID: m.PrimaryID, RedundantIDs: ids}

	reject := func(r Reason, id int64) (Merge, *ValidationError) {
		return m, &ValidationError{Reason: r, Merge: m, ID: id}
	}

	if len(ids) == 0 {
		return reject(ReasonEmpty, 0)
	}
	if _, self := seen[m.PrimaryID]; self {
		return reject(ReasonSelfMerge, m.PrimaryID)
	}
	if home != nil {
		if !home.Contains(m.PrimaryID) {
			return reject(ReasonOutsideCluster, m.PrimaryID)
		}
		for _, id := range ids {
			if !home.Contains(id) {
				return reject(ReasonOutsideCluster, id)
			}
		}
	}
	for _, id := range ids {
		if _, taken := v.redundant[id]; taken {
			return reject(ReasonDoubleClaim, id)
		}
	}
	if _, gone := v.redundant[m.PrimaryID]; gone {
		return reject(ReasonChained, m.PrimaryID)
	}
	for _, id := range ids {
		if _, isPrimary := v.primary[id]; isPrimary {
			return reject(ReasonChained, id)
		}
	}
	return m, nil
}

func (v *validator) claim(m Merge) {
	v.primary[m.PrimaryID] = struct{}{}
	for _, id := range m.RedundantIDs {
		v.redundant[id] = m.PrimaryID
	}
}

// Planner accumulates validated verdicts from every batch into one plan. It
// never touches the store.
type Planner struct {
	plan     *Plan
	v        *validator
	logger   *slog.Logger
	rejected []*ValidationError
}

// NewPlanner starts an empty plan.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{plan: New(), v: newValidator(), logger: logging.OrDiscard(logger)}
}

// Accept validates the verdicts returned for one batch of clusters. Verdicts
// are checked in order; a rejected verdict is logged and skipped.
func (p *Planner) Accept(clusters []cluster.Cluster, verdicts []adjudicate.Verdict) (accepted []Merge, rejected []*ValidationError) {
	for _, verdict := range verdicts {
		m := Merge{PrimaryID: verdict.PrimaryID, RedundantIDs: verdict.RedundantIDs}
		home := findCluster(clusters, m.PrimaryID)
		if home == nil {
			// primary from no submitted cluster
			empty := cluster.Cluster{}
			home = &empty
		}
		m, verr := p.v.check(m, home)
		if verr != nil {
			p.logger.Warn("verdict rejected",
				"primary_id", verr.Merge.PrimaryID,
				"redundant_ids", verr.Merge.RedundantIDs,
				"reason", string(verr.Reason),
				"error", verr.Error(),
			)
			rejected = append(rejected, verr)
			continue
		}
		p.v.claim(m)
		p.plan.Merges = append(p.plan.Merges, m)
		accepted = append(accepted, m)
	}
	p.rejected = append(p.rejected, rejected...)
	return accepted, rejected
}

// Plan returns the plan built so far.
func (p *Planner) Plan() *Plan { return p.plan }

// Rejected returns every rejection recorded so far.
func (p *Planner) Rejected() []*ValidationError { return p.rejected }

func findCluster(clusters []cluster.Cluster, id int64) *cluster.Cluster {
	for i := range clusters {
		if clusters[i].Contains(id) {
			return &clusters[i]
		}
	}
	return nil
}
