package repoindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alp-project/alp/internal/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func writeFileRepo(t *testing.T, cat Catalog) string {
	t.Helper()
	dir := t.TempDir()
	raw, err := json.Marshal(cat)
	if err != nil {
		t.Fatalf("marshaling catalog: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.json"), raw, 0644); err != nil {
		t.Fatalf("writing index.json: %v", err)
	}
	return "file://" + dir
}

func TestUpdateIndexAndSearch(t *testing.T) {
	database := newTestDB(t)
	repoURL := writeFileRepo(t, Catalog{
		Name: "main",
		Packages: []PackageInfo{
			{Name: "curl", Version: "8.4.0", Description: "transfer tool"},
			{Name: "wget", Version: "1.21", Description: "another transfer tool"},
		},
	})
	if err := database.AddRepository("main", repoURL, 100); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}

	ix := New(t.TempDir(), database)
	if err := ix.UpdateIndex("main", repoURL); err != nil {
		t.Fatalf("UpdateIndex: %v", err)
	}

	results, err := ix.SearchPackage("transfer")
	if err != nil {
		t.Fatalf("SearchPackage: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(results), results)
	}

	entry, err := ix.GetPackageMetadata("curl")
	if err != nil {
		t.Fatalf("GetPackageMetadata: %v", err)
	}
	if entry == nil || entry.Version != "8.4.0" {
		t.Fatalf("unexpected metadata: %+v", entry)
	}
	if entry.Repository != "main" {
		t.Errorf("Repository = %q, want %q", entry.Repository, "main")
	}
}

func TestCacheSurvivesAcrossIndexInstances(t *testing.T) {
	database := newTestDB(t)
	repoURL := writeFileRepo(t, Catalog{Name: "main", Packages: []PackageInfo{{Name: "curl", Version: "8.4.0"}}})
	if err := database.AddRepository("main", repoURL, 100); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}

	cacheDir := t.TempDir()
	first := New(cacheDir, database)
	if err := first.UpdateIndex("main", repoURL); err != nil {
		t.Fatalf("UpdateIndex: %v", err)
	}

	second := New(cacheDir, database)
	entry, err := second.GetPackageMetadata("curl")
	if err != nil {
		t.Fatalf("GetPackageMetadata: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a fresh Index to read through to the on-disk cache")
	}
}

func TestGetPackageURL(t *testing.T) {
	database := newTestDB(t)
	repoURL := writeFileRepo(t, Catalog{Name: "main", Packages: []PackageInfo{{Name: "curl", Version: "8.4.0"}}})
	if err := database.AddRepository("main", repoURL, 100); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}

	ix := New(t.TempDir(), database)
	if err := ix.UpdateIndex("main", repoURL); err != nil {
		t.Fatalf("UpdateIndex: %v", err)
	}

	url, err := ix.GetPackageURL("curl", "8.4.0")
	if err != nil {
		t.Fatalf("GetPackageURL: %v", err)
	}
	want := repoURL + "/packages/curl-8.4.0.alp"
	if url != want {
		t.Errorf("GetPackageURL() = %q, want %q", url, want)
	}
}

func TestParseAssetName(t *testing.T) {
	cases := []struct {
		in         string
		name, vers string
		ok         bool
	}{
		{"curl-8.4.0.alp", "curl", "8.4.0", true},
		{"curl-8.4.0.deb", "", "", false},
		{"noversion.alp", "", "", false},
	}
	for _, c := range cases {
		name, vers, ok := parseAssetName(c.in)
		if ok != c.ok || name != c.name || vers != c.vers {
			t.Errorf("parseAssetName(%q) = (%q, %q, %v), want (%q, %q, %v)", c.in, name, vers, ok, c.name, c.vers, c.ok)
		}
	}
}
