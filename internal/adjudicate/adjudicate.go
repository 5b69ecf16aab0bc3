// Package adjudicate asks an external decision service which members of each
// candidate cluster are the same person.
//
// Clusters are sent in small sequential batches. A batch that fails in
// transport or parsing yields no verdicts; later batches still run.
package adjudicate

import (
	"context"
	"fmt"

	"github.com/Napageneral/rolodex/internal/cluster"
)

// Verdict says redundant ids should be folded into the primary id.
type Verdict struct {
	PrimaryID    int64   `json:"primary_id"`
	RedundantIDs []int64 `json:"redundant_ids"`
}

// Request is the wire payload sent to an adjudicator: one array per cluster.
type Request struct {
	Candidates [][]cluster.Candidate `json:"candidates"`
}

// Response is the wire payload returned by an adjudicator.
type Response struct {
	Merges []Verdict `json:"merges"`
}

// NewRequest serializes clusters into the request shape.
func NewRequest(clusters []cluster.Cluster) Request {
	req := Request{Candidates: make([][]cluster.Candidate, 0, len(clusters))}
	for _, c := range clusters {
		req.Candidates = append(req.Candidates, c.Members)
	}
	return req
}

// Adjudicator decides merges for a batch of clusters. A cluster absent from
// the returned verdicts is not merged.
type Adjudicator interface {
	Adjudicate(ctx context.Context, clusters []cluster.Cluster) ([]Verdict, error)
}

// Func adapts a function to Adjudicator.
type Func func(ctx context.Context, clusters []cluster.Cluster) ([]Verdict, error)

func (f Func) Adjudicate(ctx context.Context, clusters []cluster.Cluster) ([]Verdict, error) {
	return f(ctx, clusters)
}

// Static returns the same verdicts for every batch, filtered to the ids of
// the clusters in that batch. Useful for replaying known decisions and tests.
type Static []Verdict

func (s Static) Adjudicate(_ context.Context, clusters []cluster.Cluster) ([]Verdict, error) {
	var out []Verdict
	for _, v := range s {
		for _, c := range clusters {
			if c.Contains(v.PrimaryID) {
				out = append(out, v)
				break
			}
		}
	}
	return out, nil
}

// Error is an adjudication failure for a single batch.
type Error struct {
	Batch int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adjudicate batch %d: %v", e.Batch, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
