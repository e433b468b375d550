package txn

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alp-project/alp/internal/alperr"
	"github.com/alp-project/alp/internal/db"
	"github.com/alp-project/alp/internal/pkgformat"
	"github.com/alp-project/alp/internal/repoindex"
	"github.com/alp-project/alp/internal/resolver"
)

// ProgressFunc reports download progress for one package: percent is in
// [0, 100], downloaded and total are byte counts (total may be 0 if the
// source did not report a size, e.g. some HTTP responses).
type ProgressFunc func(percent float64, downloaded, total int64)

// ConfirmInstallFunc is asked to confirm a resolved install plan before it
// is applied. A nil ConfirmInstallFunc skips confirmation (assumes yes).
type ConfirmInstallFunc func(toInstall []repoindex.Entry) bool

// ConfirmRemoveFunc is asked to confirm a removal before it is applied. A
// nil ConfirmRemoveFunc skips confirmation (assumes yes).
type ConfirmRemoveFunc func(names []string) bool

// Installer orchestrates installation and removal: resolving dependencies,
// downloading and verifying archives, mutating the installation database,
// and recording every step to the transaction log.
//
// It never extracts package payloads to disk; installation is
// database-only, per the package format's design (internal/pkgformat).
type Installer struct {
	database *db.DB
	index    *repoindex.Index
	resolver *resolver.Resolver
	cacheDir string
	log      *Log
	client   *http.Client
}

// NewInstaller wires an Installer from its collaborators.
func NewInstaller(database *db.DB, index *repoindex.Index, res *resolver.Resolver, cacheDir string, log *Log) *Installer {
	return &Installer{
		database: database,
		index:    index,
		resolver: res,
		cacheDir: cacheDir,
		log:      log,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Install resolves names (unless noDeps is set, in which case only the
// named packages themselves are installed) and installs the result,
// downloading and checksum-verifying each archive before it is recorded in
// the database. If confirm is non-nil and returns false, the transaction
// fails with alperr.UserCancelled before anything is mutated. On any
// per-package failure, already-installed packages from this transaction
// are rolled back and any packages upgraded during this transaction are
// restored to their prior snapshot.
func (in *Installer) Install(names []string, noDeps bool, confirm ConfirmInstallFunc, progress ProgressFunc) (*Transaction, error) {
	tx := New(TypeInstall, names)
	if err := in.log.Save(tx); err != nil {
		return tx, err
	}

	toInstall, err := in.planInstall(names, noDeps)
	if err != nil {
		tx.SetStatus(StatusFailed, err.Error())
		in.log.Save(tx)
		return tx, err
	}

	if confirm != nil && !confirm(toInstall) {
		cancelErr := alperr.New(alperr.UserCancelled, "installation declined")
		tx.SetStatus(StatusFailed, cancelErr.Error())
		in.log.Save(tx)
		return tx, cancelErr
	}

	tx.SetStatus(StatusInProgress, "")
	if err := in.log.Save(tx); err != nil {
		return tx, err
	}
	if len(toInstall) == 0 {
		tx.SetStatus(StatusCompleted, "")
		in.log.Save(tx)
		return tx, nil
	}

	snapshots := map[string]db.Package{}
	for _, pkg := range toInstall {
		installed, err := in.database.GetPackage(pkg.Name)
		if err != nil {
			tx.SetStatus(StatusFailed, err.Error())
			in.log.Save(tx)
			return tx, err
		}
		if installed != nil {
			snapshots[pkg.Name] = *installed
		}
	}

	var newlyInstalled []string
	var downloadedFiles []string

	for _, pkg := range toInstall {
		if err := in.installOne(tx, pkg, snapshots, &newlyInstalled, &downloadedFiles, progress); err != nil {
			in.rollback(newlyInstalled, snapshots, downloadedFiles)
			tx.SetStatus(StatusFailed, err.Error())
			in.log.Save(tx)
			return tx, err
		}
	}

	tx.SetStatus(StatusCompleted, "")
	if err := in.log.Save(tx); err != nil {
		return tx, err
	}
	return tx, nil
}

// planInstall resolves names into the concrete set of packages to install.
func (in *Installer) planInstall(names []string, noDeps bool) ([]repoindex.Entry, error) {
	if noDeps {
		var out []repoindex.Entry
		for _, name := range names {
			entry, err := in.index.GetPackageMetadata(name)
			if err != nil {
				return nil, err
			}
			if entry == nil {
				return nil, alperr.New(alperr.MissingDependency, "package not found: "+name)
			}
			out = append(out, *entry)
		}
		return out, nil
	}

	result, err := in.resolver.Resolve(names)
	if err != nil {
		return nil, err
	}
	if len(result.Missing) > 0 {
		return nil, alperr.New(alperr.MissingDependency, "missing: "+strings.Join(result.Missing, ", "))
	}
	if len(result.Unsatisfiable) > 0 {
		return nil, alperr.New(alperr.UnsatisfiableConstraint, "unsatisfiable: "+strings.Join(result.Unsatisfiable, ", "))
	}
	if len(result.Conflicts) > 0 {
		return nil, alperr.New(alperr.ConflictDetected, "conflicting packages: "+strings.Join(result.Conflicts, ", "))
	}
	return result.Install, nil
}

// installOne downloads, verifies and records a single package. It is the
// unit of work whose failure triggers rollback() for the whole
// transaction, returning a plain error (not a panic) so rollback is an
// explicit step the caller invokes, not a recovered exception.
func (in *Installer) installOne(tx *Transaction, pkg repoindex.Entry, snapshots map[string]db.Package,
	newlyInstalled *[]string, downloadedFiles *[]string, progress ProgressFunc) error {

	url, err := in.index.GetPackageURL(pkg.Name, pkg.Version)
	if err != nil {
		return err
	}
	if url == "" {
		return alperr.New(alperr.DownloadFailed, "no download URL for "+pkg.Name)
	}

	destPath := filepath.Join(in.cacheDir, pkg.Name+"-"+pkg.Version+pkgformat.Ext)
	raw, err := in.download(url, func(percent float64, downloaded, total int64) {
		if progress != nil {
			progress(percent, downloaded, total)
		}
	})
	if err != nil {
		return alperr.Wrap(alperr.DownloadFailed, pkg.Name, err)
	}

	if err := os.MkdirAll(in.cacheDir, 0755); err != nil {
		return alperr.Wrap(alperr.IOError, "creating cache directory", err)
	}
	if err := os.WriteFile(destPath, raw, 0644); err != nil {
		return alperr.Wrap(alperr.IOError, "writing "+destPath, err)
	}
	*downloadedFiles = append(*downloadedFiles, destPath)

	archive, err := pkgformat.Load(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if pkg.Checksum != "" && !strings.EqualFold(archive.Metadata.Checksum, pkg.Checksum) {
		return alperr.New(alperr.ChecksumMismatch, pkg.Name+"-"+pkg.Version)
	}

	record := db.Package{
		Name:         pkg.Name,
		Version:      pkg.Version,
		Description:  pkg.Description,
		Architecture: pkg.Architecture,
		Maintainer:   pkg.Maintainer,
		Homepage:     pkg.Homepage,
		License:      pkg.License,
		Size:         pkg.Size,
		Checksum:     pkg.Checksum,
		Dependencies: pkg.Dependencies,
		Files:        archive.Metadata.Files,
	}
	if err := in.database.AddPackage(record); err != nil {
		return err
	}

	if _, wasUpgrade := snapshots[pkg.Name]; !wasUpgrade {
		*newlyInstalled = append(*newlyInstalled, pkg.Name)
	}
	tx.AddAction("install", map[string]string{"package": pkg.Name, "version": pkg.Version})
	return nil
}

// rollback undoes the effects of a partially applied install transaction:
// it removes packages newly installed during this transaction, restores
// packages that were upgraded back to their pre-transaction snapshot, and
// deletes archives downloaded during this transaction. Every step is
// best-effort: a failure to undo one package does not stop the others.
func (in *Installer) rollback(newlyInstalled []string, snapshots map[string]db.Package, downloadedFiles []string) {
	for _, name := range newlyInstalled {
		in.database.RemovePackage(name)
	}
	for _, snapshot := range snapshots {
		in.database.AddPackage(snapshot)
	}
	for _, path := range downloadedFiles {
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
		}
	}
}

// Remove removes each named package, skipping (not failing the whole
// transaction for) packages that are not installed or that are blocked by
// a reverse dependency. If confirm is non-nil and returns false, the
// transaction fails with alperr.UserCancelled before anything is mutated.
func (in *Installer) Remove(names []string, confirm ConfirmRemoveFunc) (*Transaction, error) {
	tx := New(TypeRemove, names)
	if err := in.log.Save(tx); err != nil {
		return tx, err
	}

	if confirm != nil && !confirm(names) {
		cancelErr := alperr.New(alperr.UserCancelled, "removal declined")
		tx.SetStatus(StatusFailed, cancelErr.Error())
		in.log.Save(tx)
		return tx, cancelErr
	}

	tx.SetStatus(StatusInProgress, "")
	if err := in.log.Save(tx); err != nil {
		return tx, err
	}

	for _, name := range names {
		installed, err := in.database.IsInstalled(name)
		if err != nil {
			tx.SetStatus(StatusFailed, err.Error())
			in.log.Save(tx)
			return tx, err
		}
		if !installed {
			continue
		}

		canRemove, blockers, err := in.resolver.CanRemove(name)
		if err != nil {
			tx.SetStatus(StatusFailed, err.Error())
			in.log.Save(tx)
			return tx, err
		}
		if !canRemove {
			blockErr := alperr.New(alperr.ReverseDependencyBlock, name+" is required by: "+strings.Join(blockers, ", "))
			tx.AddAction("skip", map[string]string{"package": name, "reason": blockErr.Error()})
			continue
		}

		if _, err := in.database.RemovePackage(name); err != nil {
			tx.SetStatus(StatusFailed, err.Error())
			in.log.Save(tx)
			return tx, err
		}
		tx.AddAction("remove", map[string]string{"package": name})
	}

	tx.SetStatus(StatusCompleted, "")
	if err := in.log.Save(tx); err != nil {
		return tx, err
	}
	return tx, nil
}

// download fetches url (file:// or http(s)://) into memory, reporting
// progress as bytes arrive.
func (in *Installer) download(url string, progress ProgressFunc) ([]byte, error) {
	switch {
	case strings.HasPrefix(url, "file://"):
		path := strings.TrimPrefix(url, "file://")
		if !strings.HasSuffix(path, pkgformat.Ext) {
			return nil, fmt.Errorf("only %s archives may be installed, got %s", pkgformat.Ext, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(100, int64(len(raw)), int64(len(raw)))
		}
		return raw, nil

	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := in.client.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
		}

		total := resp.ContentLength
		var buf bytes.Buffer
		chunk := make([]byte, 8192)
		var downloaded int64
		for {
			n, err := resp.Body.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
				downloaded += int64(n)
				if progress != nil && total > 0 {
					progress(float64(downloaded)/float64(total)*100, downloaded, total)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported download URL scheme: %s", url)
	}
}
