package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Napageneral/rolodex/internal/adjudicate"
	"github.com/Napageneral/rolodex/internal/config"
	"github.com/Napageneral/rolodex/internal/db"
	"github.com/Napageneral/rolodex/internal/plan"
)

func run(t *testing.T, args ...string) {
	t.Helper()
	jsonOutput, configPath, dbPath, logLevel = false, "", "", ""
	root := newRootCmd()
	root.SetArgs(append(args, "--json"))
	if err := root.Execute(); err != nil {
		t.Fatalf("rolodex %v: %v", args, err)
	}
}

func TestPlanAndApply(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROLODEX_CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("ROLODEX_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("ROLODEX_DB_PATH", "")
	t.Setenv("ROLODEX_PLAN_PATH", "")
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("LLM_MODEL", "")

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req adjudicate.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"merges":[{"primary_id":1,"redundant_ids":[2]}]}`))
	}))
	defer srv.Close()
	t.Setenv("LLM_API_BASE", srv.URL)

	cfgPath := filepath.Join(dir, "config", "config.yaml")
	cfg := config.Default()
	cfg.Adjudicator.Provider = config.ProviderHTTP
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatal(err)
	}

	run(t, "init")
	storePath := filepath.Join(dir, "data", "database.sqlite")
	store, err := db.Open(storePath, config.DriverModernc)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	for _, stmt := range []string{
		`INSERT INTO persons (id, name) VALUES (1, 'Jane Doe'), (2, 'jane doe'), (3, 'Bob Stone')`,
		`INSERT INTO contacts (person_id, type, value) VALUES (1, 'phone', '555-1111'), (2, 'phone', '555-1111')`,
		`INSERT INTO relationships (person1_id, person2_id, type) VALUES (3, 2, 'friend')`,
	} {
		if _, err := store.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}

	run(t, "plan")
	if requests != 1 {
		t.Fatalf("adjudicator requests = %d, want 1", requests)
	}
	p, err := plan.Load(filepath.Join(dir, "data", "merge_plan.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Merges) != 1 || p.Merges[0].PrimaryID != 1 {
		t.Fatalf("plan = %+v", p)
	}

	run(t, "apply", "--dry-run")
	var n int
	if err := store.QueryRow(`SELECT COUNT(*) FROM persons`).Scan(&n); err != nil || n != 3 {
		t.Fatalf("persons after dry run = %d (%v)", n, err)
	}

	run(t, "apply")
	run(t, "apply")
	if err := store.QueryRow(`SELECT COUNT(*) FROM persons`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("persons after apply = %d (%v)", n, err)
	}
	if err := store.QueryRow(`SELECT COUNT(*) FROM relationships WHERE person2_id = 1`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("relationship not repointed (%v)", err)
	}
	if err := store.QueryRow(`SELECT COUNT(*) FROM merge_log`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("merge_log rows = %d (%v)", n, err)
	}

	run(t, "verify")
	run(t, "stats")

	if _, err := os.Stat(storePath + ".lock"); err != nil {
		t.Errorf("lock file: %v", err)
	}
}
