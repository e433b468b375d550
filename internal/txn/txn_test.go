package txn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alp-project/alp/internal/alperr"
	"github.com/alp-project/alp/internal/db"
	"github.com/alp-project/alp/internal/pkgformat"
	"github.com/alp-project/alp/internal/repoindex"
	"github.com/alp-project/alp/internal/resolver"
)

func writeArchive(t *testing.T, dir, name, version string, payload []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "packages"), 0755); err != nil {
		t.Fatalf("mkdir packages: %v", err)
	}
	f, err := os.Create(filepath.Join(dir, "packages", name+"-"+version+pkgformat.Ext))
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()
	if err := pkgformat.Create(f, pkgformat.Metadata{Name: name, Version: version}, payload); err != nil {
		t.Fatalf("pkgformat.Create: %v", err)
	}
}

func setupInstaller(t *testing.T, packages []repoindex.PackageInfo) (*Installer, *db.DB, string) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repoDir := t.TempDir()
	cat := repoindex.Catalog{Name: "main", Packages: packages}
	raw, _ := json.Marshal(cat)
	if err := os.WriteFile(filepath.Join(repoDir, "index.json"), raw, 0644); err != nil {
		t.Fatalf("write index.json: %v", err)
	}
	for _, pkg := range packages {
		writeArchive(t, repoDir, pkg.Name, pkg.Version, []byte("payload-"+pkg.Name))
	}

	repoURL := "file://" + repoDir
	if err := database.AddRepository("main", repoURL, 100); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}

	ix := repoindex.New(t.TempDir(), database)
	if err := ix.UpdateIndex("main", repoURL); err != nil {
		t.Fatalf("UpdateIndex: %v", err)
	}

	res := resolver.New(database, ix)
	logDir := t.TempDir()
	log, err := OpenLog(logDir)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}

	cacheDir := t.TempDir()
	return NewInstaller(database, ix, res, cacheDir, log), database, cacheDir
}

func TestInstallSucceeds(t *testing.T) {
	installer, database, _ := setupInstaller(t, []repoindex.PackageInfo{
		{Name: "app", Version: "1.0"},
	})

	tx, err := installer.Install([]string{"app"}, true, nil, nil)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", tx.Status, StatusCompleted)
	}

	installed, err := database.IsInstalled("app")
	if err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if !installed {
		t.Error("expected app to be installed")
	}
}

func TestInstallFailsBeforeMutationOnUnresolvablePackage(t *testing.T) {
	installer, database, _ := setupInstaller(t, []repoindex.PackageInfo{
		{Name: "good", Version: "1.0"},
	})
	// "bad" is requested but not present in any repository index, so the
	// no-deps install path fails while planning, before "good" is installed.
	tx, err := installer.Install([]string{"good", "bad"}, true, nil, nil)
	if err == nil {
		t.Fatal("expected Install to fail for an unresolvable package")
	}
	if tx.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", tx.Status, StatusFailed)
	}

	installed, err := database.IsInstalled("good")
	if err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if installed {
		t.Error("expected the whole-batch planning failure to install nothing, including 'good'")
	}
}

func TestInstallRollsBackOnChecksumMismatch(t *testing.T) {
	// The repository index pins a checksum that does not match the
	// archive actually served, forcing installOne to fail after the
	// archive has already been downloaded and cached.
	installer, database, _ := setupInstaller(t, []repoindex.PackageInfo{
		{Name: "app", Version: "1.0", Checksum: strings.Repeat("0", 64)},
	})

	tx, err := installer.Install([]string{"app"}, true, nil, nil)
	if err == nil {
		t.Fatal("expected Install to fail on checksum mismatch")
	}
	if tx.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", tx.Status, StatusFailed)
	}
	installed, _ := database.IsInstalled("app")
	if installed {
		t.Error("expected rollback to leave app uninstalled")
	}
}

func TestInstallFailsWhenConfirmDeclines(t *testing.T) {
	installer, database, _ := setupInstaller(t, []repoindex.PackageInfo{
		{Name: "app", Version: "1.0"},
	})

	tx, err := installer.Install([]string{"app"}, true, func(toInstall []repoindex.Entry) bool { return false }, nil)
	if err == nil {
		t.Fatal("expected Install to fail when confirm declines")
	}
	if !alperr.Is(err, alperr.UserCancelled) {
		t.Errorf("expected a UserCancelled error, got %v", err)
	}
	if tx.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", tx.Status, StatusFailed)
	}

	installed, err := database.IsInstalled("app")
	if err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if installed {
		t.Error("expected nothing to be installed after a declined confirmation")
	}
}

func TestRemoveFailsWhenConfirmDeclines(t *testing.T) {
	installer, database, _ := setupInstaller(t, nil)
	if err := database.AddPackage(db.Package{Name: "libfoo", Version: "1.0"}); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}

	tx, err := installer.Remove([]string{"libfoo"}, func(names []string) bool { return false })
	if err == nil {
		t.Fatal("expected Remove to fail when confirm declines")
	}
	if !alperr.Is(err, alperr.UserCancelled) {
		t.Errorf("expected a UserCancelled error, got %v", err)
	}
	if tx.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", tx.Status, StatusFailed)
	}

	installed, err := database.IsInstalled("libfoo")
	if err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if !installed {
		t.Error("expected libfoo to remain installed after a declined confirmation")
	}
}

func TestRemoveSkipsBlockedPackage(t *testing.T) {
	installer, database, _ := setupInstaller(t, nil)
	if err := database.AddPackage(db.Package{Name: "libfoo", Version: "1.0"}); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}
	if err := database.AddPackage(db.Package{Name: "app", Version: "1.0", Dependencies: []string{"libfoo"}}); err != nil {
		t.Fatalf("AddPackage: %v", err)
	}

	tx, err := installer.Remove([]string{"libfoo"}, nil)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", tx.Status, StatusCompleted)
	}

	installed, err := database.IsInstalled("libfoo")
	if err != nil {
		t.Fatalf("IsInstalled: %v", err)
	}
	if !installed {
		t.Error("expected libfoo removal to have been skipped since app depends on it")
	}
}

func TestTransactionLogRoundTrip(t *testing.T) {
	log, err := OpenLog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}

	tx := New(TypeInstall, []string{"app"})
	tx.SetStatus(StatusInProgress, "")
	if err := log.Save(tx); err != nil {
		t.Fatalf("Save (in_progress): %v", err)
	}
	tx.SetStatus(StatusCompleted, "")
	if err := log.Save(tx); err != nil {
		t.Fatalf("Save (completed): %v", err)
	}

	all, err := log.Load(0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected repeated saves of the same id to collapse to 1 record, got %d", len(all))
	}
	if all[0].Status != StatusCompleted {
		t.Errorf("expected the latest status to win, got %q", all[0].Status)
	}
}

func TestTransactionLogSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	tx := New(TypeRemove, []string{"app"})
	if err := log.Save(tx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "transactions.log"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("opening log for corruption: %v", err)
	}
	f.WriteString("not json\n")
	f.Close()

	all, err := log.Load(0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected malformed line to be skipped, got %d records", len(all))
	}
}
