package merge

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Napageneral/rolodex/internal/adjudicate"
	"github.com/Napageneral/rolodex/internal/cluster"
	"github.com/Napageneral/rolodex/internal/persons"
	"github.com/Napageneral/rolodex/internal/plan"
	"github.com/Napageneral/rolodex/internal/testutil"
)

// seedJane builds the Jane Doe store: 1 and 2 are the same person, 3 is not.
func seedJane(t *testing.T, db *sql.DB) {
	t.Helper()
	testutil.InsertPerson(t, db, "Jane Doe")
	testutil.InsertPerson(t, db, "jane doe")
	testutil.InsertPerson(t, db, "Bob Stone")
	testutil.InsertContact(t, db, 1, "phone", "555-1111")
	testutil.InsertContact(t, db, 2, "phone", "555-1111")
	testutil.InsertContact(t, db, 2, "email", "jane@example.com")
	testutil.InsertContact(t, db, 3, "email", "bob@example.com")
	testutil.Exec(t, db, `INSERT INTO career (person_id, company, role) VALUES (2, 'Acme', 'Engineer')`)
	testutil.Exec(t, db, `INSERT INTO education (person_id, school) VALUES (2, 'State U')`)
	testutil.Exec(t, db, `INSERT INTO media (person_id, file_path) VALUES (2, 'a.jpg')`)
	testutil.Exec(t, db, `INSERT INTO relationships (person1_id, person2_id, type) VALUES (3, 2, 'friend')`)
	testutil.Exec(t, db, `INSERT INTO relationships (person1_id, person2_id, type) VALUES (2, 3, 'colleague')`)
	testutil.Exec(t, db, `INSERT INTO groups (name, type) VALUES ('Chess Club', 'club')`)
	testutil.Exec(t, db, `INSERT INTO person_groups (person_id, group_id, role) VALUES (1, 1, 'member')`)
	testutil.Exec(t, db, `INSERT INTO person_groups (person_id, group_id, role) VALUES (2, 1, 'member')`)
	testutil.Exec(t, db, `INSERT INTO person_groups (person_id, group_id, role) VALUES (2, 1, 'treasurer')`)
}

func janePlan() *plan.Plan {
	p := plan.New()
	p.Merges = []plan.Merge{{PrimaryID: 1, RedundantIDs: []int64{2}}}
	return p
}

func assertNoOrphans(t *testing.T, db *sql.DB) {
	t.Helper()
	orphans, err := persons.FindOrphans(context.Background(), db)
	if err != nil {
		t.Fatalf("FindOrphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("orphans after merge: %+v", orphans)
	}
}

func TestApplyExampleScenario(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)

	report, err := NewExecutor(db, Options{}).Apply(context.Background(), janePlan())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if report.Merged != 1 || report.Failed != 0 || report.NoOps != 0 {
		t.Fatalf("report = %+v", report)
	}
	o := report.Outcomes[0]
	if o.State != StateCommitted || !o.Deleted {
		t.Errorf("outcome = %+v", o)
	}
	// email, career, education, media, treasurer membership, two relationship ends
	if o.RowsMoved != 7 || o.Dropped != 2 {
		t.Errorf("rows moved = %d dropped = %d, want 7 and 2", o.RowsMoved, o.Dropped)
	}

	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons WHERE id = 2`); n != 0 {
		t.Error("person 2 still exists")
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM contacts WHERE person_id = 1`); n != 2 {
		t.Errorf("person 1 contacts = %d, want 2", n)
	}
	for _, table := range []string{"career", "education", "media"} {
		if n := testutil.Count(t, db, `SELECT COUNT(*) FROM `+table+` WHERE person_id = 1`); n != 1 {
			t.Errorf("%s rows for person 1 = %d, want 1", table, n)
		}
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM relationships WHERE person1_id = 3 AND person2_id = 1`); n != 1 {
		t.Error("relationship 3->2 not repointed to 3->1")
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM relationships WHERE person1_id = 1 AND person2_id = 3`); n != 1 {
		t.Error("relationship 2->3 not repointed to 1->3")
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM person_groups WHERE person_id = 1`); n != 2 {
		t.Errorf("person 1 memberships = %d, want 2", n)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons WHERE id IN (1, 3)`); n != 2 {
		t.Error("primary or bystander removed")
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM merge_log WHERE primary_id = 1 AND redundant_id = 2 AND rows_moved = 7`); n != 1 {
		t.Error("merge_log row missing")
	}
	assertNoOrphans(t, db)
}

func TestApplyTwiceIsNoOp(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)
	ex := NewExecutor(db, Options{})
	p := janePlan()

	if _, err := ex.Apply(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	snapshot := func() [4]int {
		return [4]int{
			testutil.Count(t, db, `SELECT COUNT(*) FROM persons`),
			testutil.Count(t, db, `SELECT COUNT(*) FROM contacts`),
			testutil.Count(t, db, `SELECT COUNT(*) FROM relationships WHERE person1_id = 1 OR person2_id = 1`),
			testutil.Count(t, db, `SELECT COUNT(*) FROM merge_log`),
		}
	}
	before := snapshot()

	report, err := ex.Apply(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 0 || report.Merged != 0 || report.NoOps != 1 {
		t.Fatalf("second run report = %+v", report)
	}
	if !report.Outcomes[0].NoOp() || report.Outcomes[0].State != StateCommitted {
		t.Errorf("second run outcome = %+v", report.Outcomes[0])
	}
	if after := snapshot(); after != before {
		t.Errorf("state changed on re-run: %v -> %v", before, after)
	}
}

func TestApplyFailureIsIsolated(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)
	testutil.InsertPerson(t, db, "Al")  // 4
	testutil.InsertPerson(t, db, "Al.") // 5
	testutil.InsertContact(t, db, 5, "email", "al@example.com")
	testutil.Exec(t, db, `INSERT INTO career (person_id, company) VALUES (5, 'Initech')`)
	testutil.Exec(t, db, `CREATE TRIGGER refuse_5 BEFORE DELETE ON persons WHEN OLD.id = 5
		BEGIN SELECT RAISE(ABORT, 'person 5 is protected'); END`)

	p := plan.New()
	p.Merges = []plan.Merge{
		{PrimaryID: 4, RedundantIDs: []int64{5}},
		{PrimaryID: 99, RedundantIDs: []int64{3}},
		{PrimaryID: 1, RedundantIDs: []int64{2}},
	}
	var seen []Outcome
	report, err := NewExecutor(db, Options{OnOutcome: func(o Outcome) { seen = append(seen, o) }}).Apply(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 2 || report.Merged != 1 || len(seen) != 3 {
		t.Fatalf("report = %+v", report)
	}

	var aerr *ApplyError
	if !errors.As(report.Outcomes[0].Err, &aerr) || aerr.RedundantID != 5 || report.Outcomes[0].State != StateRolledBack {
		t.Errorf("first outcome = %+v", report.Outcomes[0])
	}
	if !errors.Is(report.Outcomes[1].Err, ErrPrimaryMissing) {
		t.Errorf("second outcome = %+v", report.Outcomes[1])
	}
	// the rolled back pair left person 5's rows exactly where they were
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM contacts WHERE person_id = 5`); n != 1 {
		t.Errorf("person 5 contacts = %d, want 1", n)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM career WHERE person_id = 5`); n != 1 {
		t.Errorf("person 5 career = %d, want 1", n)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons WHERE id IN (3, 5)`); n != 2 {
		t.Error("failed pairs deleted a person")
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons WHERE id = 2`); n != 0 {
		t.Error("later pair was not applied")
	}
	assertNoOrphans(t, db)
}

func TestApplyDryRunDoesNotMutate(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)

	report, err := NewExecutor(db, Options{DryRun: true}).Apply(context.Background(), janePlan())
	if err != nil {
		t.Fatal(err)
	}
	if !report.DryRun || report.Merged != 1 || report.RowsMoved != 7 {
		t.Fatalf("report = %+v", report)
	}
	if report.Outcomes[0].State != StateSimulated {
		t.Errorf("state = %s", report.Outcomes[0].State)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons`); n != 3 {
		t.Errorf("persons = %d, want 3", n)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM contacts WHERE person_id = 2`); n != 2 {
		t.Errorf("person 2 contacts = %d, want 2", n)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM merge_log`); n != 0 {
		t.Errorf("merge_log rows = %d, want 0", n)
	}
}

func TestApplySkipsInvalidEntries(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)

	p := &plan.Plan{Merges: []plan.Merge{
		{PrimaryID: 3, RedundantIDs: []int64{3}},
		{PrimaryID: 1, RedundantIDs: []int64{2}},
		{PrimaryID: 3, RedundantIDs: []int64{2}},
	}}
	report, err := NewExecutor(db, Options{}).Apply(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Rejected) != 2 || report.Merged != 1 || len(report.Outcomes) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons WHERE id = 3`); n != 1 {
		t.Error("self merge deleted person 3")
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM merge_log WHERE plan_id IS NULL`); n != 1 {
		t.Error("merge_log should record a NULL plan id for plans without one")
	}
}

func TestApplyStopsWhenCancelled(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewExecutor(db, Options{}).Apply(ctx, janePlan())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(report.Outcomes) != 0 {
		t.Errorf("outcomes = %+v", report.Outcomes)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons`); n != 3 {
		t.Errorf("persons = %d, want 3", n)
	}
}

func TestApplyRepointsLeftoversOfDeletedPerson(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.InsertPerson(t, db, "Jane Doe") // 1
	testutil.InsertContact(t, db, 1, "phone", "555-1111")

	// person 2 was deleted by a run that did not enforce foreign keys
	testutil.Exec(t, db, `PRAGMA foreign_keys = OFF`)
	testutil.Exec(t, db, `INSERT INTO contacts (person_id, type, value) VALUES (2, 'email', 'jane@example.com')`)
	testutil.Exec(t, db, `INSERT INTO contacts (person_id, type, value) VALUES (2, 'phone', '555-1111')`)
	testutil.Exec(t, db, `INSERT INTO relationships (person1_id, person2_id, type) VALUES (1, 2, 'self')`)
	testutil.Exec(t, db, `PRAGMA foreign_keys = ON`)

	report, err := NewExecutor(db, Options{}).Apply(context.Background(), janePlan())
	if err != nil {
		t.Fatal(err)
	}
	if report.Repaired != 1 || report.Merged != 0 || report.NoOps != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	o := report.Outcomes[0]
	if !o.Repaired() || o.Deleted || o.RowsMoved != 2 || o.Dropped != 1 {
		t.Errorf("outcome = %+v", o)
	}
	assertNoOrphans(t, db)
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM contacts WHERE person_id = 1`); n != 2 {
		t.Errorf("person 1 contacts = %d, want 2", n)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM merge_log`); n != 0 {
		t.Errorf("merge_log rows = %d, want 0", n)
	}

	// nothing is left to repoint the second time
	report, err = NewExecutor(db, Options{}).Apply(context.Background(), janePlan())
	if err != nil {
		t.Fatal(err)
	}
	if report.NoOps != 1 || report.Repaired != 0 {
		t.Errorf("second report = %+v", report)
	}
}

func TestApplyPairNotAttemptedAfterCancel(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, attempted := NewExecutor(db, Options{}).applyPair(ctx, "", 1, 2)
	if attempted || o.Err != nil {
		t.Fatalf("applyPair = %+v attempted:%v, want not attempted", o, attempted)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM persons`); n != 3 {
		t.Errorf("persons = %d, want 3", n)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	db := testutil.OpenTestDB(t)
	seedJane(t, db)
	ctx := context.Background()

	snap, err := persons.LoadSnapshot(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	clusters := cluster.Build(snap, cluster.DefaultOptions())
	if len(clusters) != 1 || clusters[0].Contains(3) {
		t.Fatalf("clusters = %v", cluster.IDSets(clusters))
	}

	adj := adjudicate.Static{{PrimaryID: 1, RedundantIDs: []int64{2}}}
	planner := plan.NewPlanner(nil)
	err = adjudicate.NewGateway(adj, 5, nil).Each(ctx, clusters, func(r adjudicate.BatchResult) {
		planner.Accept(r.Clusters, r.Verdicts)
	})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "merge_plan.json")
	if err := planner.Plan().Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := plan.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	fixed := time.Unix(1700000000, 0)
	report, err := NewExecutor(db, Options{Now: func() time.Time { return fixed }}).Apply(ctx, loaded)
	if err != nil || report.Merged != 1 {
		t.Fatalf("report = %+v err = %v", report, err)
	}
	if n := testutil.Count(t, db, `SELECT COUNT(*) FROM merge_log WHERE plan_id = ? AND applied_at = ?`, loaded.PlanID, fixed.Unix()); n != 1 {
		t.Error("merge_log not tagged with plan id")
	}
	assertNoOrphans(t, db)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")
	unlock, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := Lock(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock err = %v, want ErrLocked", err)
	}
	if err := unlock(); err != nil {
		t.Fatal(err)
	}
	unlock2, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	_ = unlock2()
}
