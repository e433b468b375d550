package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alp-project/alp/internal/db"
	"github.com/alp-project/alp/internal/repoindex"
)

func setup(t *testing.T, cat repoindex.Catalog) (*db.DB, *repoindex.Index) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repoDir := t.TempDir()
	raw, err := json.Marshal(cat)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "index.json"), raw, 0644); err != nil {
		t.Fatalf("write index.json: %v", err)
	}
	repoURL := "file://" + repoDir
	if err := database.AddRepository("main", repoURL, 100); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}

	ix := repoindex.New(t.TempDir(), database)
	if err := ix.UpdateIndex("main", repoURL); err != nil {
		t.Fatalf("UpdateIndex: %v", err)
	}
	return database, ix
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.2", "1.10", -1},
		{"2.0", "1.9.9", 1},
		{"1.0", "1.0.0", 0},
	}
	for _, c := range cases {
		if got := CompareVersions(c.a, c.b); got != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestParseDependency(t *testing.T) {
	cases := []struct {
		in, name, version string
	}{
		{"gcc>=11.0", "gcc", "11.0"},
		{"gcc=11.0", "gcc", "11.0"},
		{"gcc", "gcc", ""},
	}
	for _, c := range cases {
		name, version := ParseDependency(c.in)
		if name != c.name || version != c.version {
			t.Errorf("ParseDependency(%q) = (%q, %q), want (%q, %q)", c.in, name, version, c.name, c.version)
		}
	}
}

func TestResolveSimpleDependencyChain(t *testing.T) {
	database, ix := setup(t, repoindex.Catalog{
		Name: "main",
		Packages: []repoindex.PackageInfo{
			{Name: "app", Version: "1.0", Dependencies: []string{"libfoo>=2.0"}},
			{Name: "libfoo", Version: "2.1"},
		},
	})

	res, err := New(database, ix).Resolve([]string{"app"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Missing) != 0 || len(res.Conflicts) != 0 {
		t.Fatalf("unexpected missing/conflicts: %+v", res)
	}
	names := map[string]bool{}
	for _, e := range res.Install {
		names[e.Name] = true
	}
	if !names["app"] || !names["libfoo"] {
		t.Errorf("expected app and libfoo in install set, got %+v", res.Install)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	database, ix := setup(t, repoindex.Catalog{
		Name: "main",
		Packages: []repoindex.PackageInfo{
			{Name: "app", Version: "1.0", Dependencies: []string{"libfoo>=2.0"}},
		},
	})

	res, err := New(database, ix).Resolve([]string{"app"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "libfoo" {
		t.Errorf("expected libfoo to be reported missing, got %+v", res.Missing)
	}
}

func TestResolveSkipsAlreadySatisfiedInstalled(t *testing.T) {
	database, ix := setup(t, repoindex.Catalog{
		Name: "main",
		Packages: []repoindex.PackageInfo{
			{Name: "app", Version: "1.0", Dependencies: []string{"libfoo>=2.0"}},
			{Name: "libfoo", Version: "2.1"},
		},
	})
	if err := database.AddPackage(db.Package{Name: "libfoo", Version: "2.5"}); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}

	res, err := New(database, ix).Resolve([]string{"app"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, e := range res.Install {
		if e.Name == "libfoo" {
			t.Errorf("expected libfoo (already satisfied at 2.5) not to be reinstalled")
		}
	}
}

func TestResolveDetectsConflict(t *testing.T) {
	database, ix := setup(t, repoindex.Catalog{
		Name: "main",
		Packages: []repoindex.PackageInfo{
			{Name: "app-a", Version: "1.0", Conflicts: []string{"app-b"}},
			{Name: "app-b", Version: "1.0"},
		},
	})

	res, err := New(database, ix).Resolve([]string{"app-a", "app-b"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Conflicts) == 0 {
		t.Error("expected a conflict between app-a and app-b")
	}
}

func TestCanRemoveBlockedByReverseDependency(t *testing.T) {
	database, ix := setup(t, repoindex.Catalog{})
	if err := database.AddPackage(db.Package{Name: "libfoo", Version: "1.0"}); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}
	if err := database.AddPackage(db.Package{Name: "app", Version: "1.0", Dependencies: []string{"libfoo"}}); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}

	ok, blockers, err := New(database, ix).CanRemove("libfoo")
	if err != nil {
		t.Fatalf("CanRemove: %v", err)
	}
	if ok {
		t.Error("expected libfoo removal to be blocked")
	}
	if len(blockers) != 1 || blockers[0] != "app" {
		t.Errorf("expected app as the blocker, got %+v", blockers)
	}
}
