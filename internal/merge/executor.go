// Package merge applies a merge plan to the record store.
//
// Every (primary, redundant) pair runs in its own transaction: duplicate
// contacts and group memberships on the redundant side are dropped, every
// person reference is repointed to the primary, and the redundant person row
// is deleted. A failing pair rolls back alone and the run continues. When the
// redundant person is already gone the repoints still run and the delete is
// skipped, so re-running a plan is safe.
package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/Napageneral/rolodex/internal/logging"
	"github.com/Napageneral/rolodex/internal/persons"
	"github.com/Napageneral/rolodex/internal/plan"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// State of a single (primary, redundant) pair.
type State string

const (
	StatePending    State = "pending"
	StateApplying   State = "applying"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	// StateSimulated is a dry-run pair that ran to completion and was rolled back.
	StateSimulated State = "simulated"
)

// ErrPrimaryMissing is returned when the primary person does not exist.
var ErrPrimaryMissing = errors.New("primary person not found")

// ApplyError is a failed pair. The pair's transaction was rolled back.
type ApplyError struct {
	PrimaryID   int64
	RedundantID int64
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("merge %d into %d: %v", e.RedundantID, e.PrimaryID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Outcome is the result of one pair.
type Outcome struct {
	PrimaryID   int64 `json:"primary_id"`
	RedundantID int64 `json:"redundant_id"`
	State       State `json:"state"`
	// RowsMoved counts repointed rows; Dropped counts duplicate rows removed.
	RowsMoved int    `json:"rows_moved"`
	Dropped   int    `json:"dropped"`
	Deleted   bool   `json:"deleted"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// NoOp reports whether the pair changed nothing.
func (o Outcome) NoOp() bool {
	return o.Err == nil && !o.Deleted && o.RowsMoved == 0 && o.Dropped == 0
}

// Repaired reports whether the redundant person was already gone but rows
// still referencing it were repointed.
func (o Outcome) Repaired() bool {
	return o.Err == nil && !o.Deleted && !o.NoOp()
}

// Report summarizes one run over a plan.
type Report struct {
	PlanID    string    `json:"plan_id,omitempty"`
	DryRun    bool      `json:"dry_run"`
	Outcomes  []Outcome `json:"outcomes"`
	Rejected  []string  `json:"rejected,omitempty"`
	Merged    int       `json:"merged"`
	Repaired  int       `json:"repaired"`
	NoOps     int       `json:"no_ops"`
	Failed    int       `json:"failed"`
	RowsMoved int       `json:"rows_moved"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch {
	case o.Err != nil:
		r.Failed++
	case o.Deleted:
		r.Merged++
		r.RowsMoved += o.RowsMoved
	case o.Repaired():
		r.Repaired++
		r.RowsMoved += o.RowsMoved
	default:
		r.NoOps++
	}
}

// Options configures an Executor.
type Options struct {
	// DryRun runs every pair to completion and then rolls it back.
	DryRun bool
	Logger *slog.Logger
	// OnOutcome, if set, is called after each pair finishes.
	OnOutcome func(Outcome)
	Now       func() time.Time
}

// Executor applies plans to one store.
type Executor struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
}

// NewExecutor returns an Executor for db.
func NewExecutor(db *sql.DB, opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{db: db, opts: opts, log: logging.OrDiscard(opts.Logger)}
}

// Apply runs every pair of p in plan order. The plan is re-validated first and
// rejected merges are reported, not applied. The returned error is non-nil only
// when ctx is cancelled; the report then covers the pairs finished so far.
func (e *Executor) Apply(ctx context.Context, p *plan.Plan) (*Report, error) {
	valid, rejected := p.Validate()
	report := &Report{PlanID: p.PlanID, DryRun: e.opts.DryRun, Outcomes: []Outcome{}}
	for _, verr := range rejected {
		e.log.Warn("plan entry rejected", "plan_id", p.PlanID, "primary_id", verr.Merge.PrimaryID, "reason", string(verr.Reason), "error", verr.Error())
		report.Rejected = append(report.Rejected, verr.Error())
	}

	for _, m := range valid.Merges {
		for _, redundant := range m.RedundantIDs {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			o, attempted := e.applyPair(ctx, p.PlanID, m.PrimaryID, redundant)
			if !attempted {
				return report, ctx.Err()
			}
			report.add(o)
			if e.opts.OnOutcome != nil {
				e.opts.OnOutcome(o)
			}
		}
	}
	return report, nil
}

// applyPair runs one pair. attempted is false when ctx was cancelled before
// the transaction began; the pair is then left for the next run.
func (e *Executor) applyPair(ctx context.Context, planID string, primary, redundant int64) (o Outcome, attempted bool) {
	o = Outcome{PrimaryID: primary, RedundantID: redundant, State: StatePending}
	log := e.log.With("plan_id", planID, "primary_id", primary, "redundant_id", redundant)

	fail := func(err error) (Outcome, bool) {
		o.State = StateRolledBack
		o.Err = &ApplyError{PrimaryID: primary, RedundantID: redundant, Err: err}
		o.Error = o.Err.Error()
		o.RowsMoved, o.Dropped, o.Deleted = 0, 0, false
		log.Error("merge rolled back", "error", err)
		return o, true
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return o, false
		}
		return fail(fmt.Errorf("begin: %w", err))
	}
	o.State = StateApplying
	log.Debug("applying merge")

	if err := e.mergeInTx(ctx, tx, planID, &o); err != nil {
		_ = tx.Rollback()
		return fail(err)
	}

	if e.opts.DryRun {
		if err := tx.Rollback(); err != nil {
			return fail(fmt.Errorf("rollback dry run: %w", err))
		}
		o.State = StateSimulated
		log.Debug("dry run", "rows_moved", o.RowsMoved, "dropped", o.Dropped, "deleted", o.Deleted)
		return o, true
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fail(fmt.Errorf("commit: %w", err))
	}
	o.State = StateCommitted
	switch {
	case o.Deleted:
		log.Info("merged", "rows_moved", o.RowsMoved, "dropped", o.Dropped)
	case o.Repaired():
		log.Info("repointed rows of an already deleted person", "rows_moved", o.RowsMoved, "dropped", o.Dropped)
	default:
		log.Debug("already merged")
	}
	return o, true
}

func (e *Executor) mergeInTx(ctx context.Context, tx *sql.Tx, planID string, o *Outcome) error {
	primary, redundant := o.PrimaryID, o.RedundantID

	redundantExists, err := personExists(ctx, tx, redundant)
	if err != nil {
		return err
	}
	primaryExists, err := personExists(ctx, tx, primary)
	if err != nil {
		return err
	}
	switch {
	case !primaryExists && !redundantExists:
		return nil
	case !primaryExists:
		return fmt.Errorf("%w: %d", ErrPrimaryMissing, primary)
	}

	// Stores written without foreign keys can still hold rows for a redundant
	// person that is already gone; those are repointed like any other.

	dropped, err := dropDuplicates(ctx, tx, primary, redundant)
	if err != nil {
		return err
	}
	o.Dropped = dropped

	for _, ref := range persons.References {
		n, err := exec(ctx, tx, psql.Update(ref.Table).
			Set(ref.Column, primary).
			Where(sq.Eq{ref.Column: redundant}))
		if err != nil {
			return fmt.Errorf("repoint %s.%s: %w", ref.Table, ref.Column, err)
		}
		o.RowsMoved += n
	}

	if !redundantExists {
		return nil
	}
	n, err := exec(ctx, tx, psql.Delete("persons").Where(sq.Eq{"id": redundant}))
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	if n == 0 {
		return nil
	}
	o.Deleted = true

	var planArg any
	if planID != "" {
		planArg = planID
	}
	if _, err := exec(ctx, tx, psql.Insert("merge_log").
		Columns("id", "plan_id", "primary_id", "redundant_id", "rows_moved", "applied_at").
		Values(uuid.NewString(), planArg, primary, redundant, o.RowsMoved, e.opts.Now().Unix())); err != nil {
		return fmt.Errorf("write merge log: %w", err)
	}
	return nil
}

// dropDuplicates removes redundant-side rows the primary already holds:
// contacts with the same (type, value), which would violate the contacts
// uniqueness constraint once repointed, and identical group memberships.
func dropDuplicates(ctx context.Context, tx *sql.Tx, primary, redundant int64) (int, error) {
	contacts, err := exec(ctx, tx, psql.Delete("contacts").
		Where(sq.Eq{"person_id": redundant}).
		Where(sq.Expr(`EXISTS (SELECT 1 FROM contacts AS keep
			WHERE keep.person_id = ? AND keep.type = contacts.type AND keep.value = contacts.value)`, primary)))
	if err != nil {
		return 0, fmt.Errorf("drop duplicate contacts: %w", err)
	}
	groups, err := exec(ctx, tx, psql.Delete("person_groups").
		Where(sq.Eq{"person_id": redundant}).
		Where(sq.Expr(`EXISTS (SELECT 1 FROM person_groups AS keep
			WHERE keep.person_id = ? AND keep.group_id = person_groups.group_id AND keep.role IS person_groups.role)`, primary)))
	if err != nil {
		return 0, fmt.Errorf("drop duplicate group memberships: %w", err)
	}
	return contacts + groups, nil
}

func personExists(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	query, args, err := psql.Select("COUNT(*)").From("persons").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("look up person %d: %w", id, err)
	}
	return n > 0, nil
}

func exec(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) (int, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
