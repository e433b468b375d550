// Package repoindex implements the repository index: per-repository JSON
// catalogs fetched over file://, http(s):// or github:// URLs, cached on
// disk, and queried for search/lookup without re-fetching on every call.
package repoindex

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alp-project/alp/internal/alperr"
	"github.com/alp-project/alp/internal/db"
)

// PackageInfo is one package entry inside a repository's catalog.
type PackageInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Architecture string   `json:"architecture"`
	Dependencies []string `json:"dependencies"`
	Conflicts    []string `json:"conflicts"`
	Provides     []string `json:"provides"`
	Maintainer   string   `json:"maintainer"`
	Homepage     string   `json:"homepage"`
	License      string   `json:"license"`
	Size         int64    `json:"size"`
	Checksum     string   `json:"checksum"`
}

// Catalog is a repository's full index document.
type Catalog struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Version     string        `json:"version"`
	Packages    []PackageInfo `json:"packages"`
}

// Entry is a package as returned to callers outside this package: its
// catalog entry plus which repository it came from.
type Entry struct {
	PackageInfo
	Repository    string
	RepositoryURL string
}

// repositoryLister is the narrow slice of *db.DB that an Index needs, kept
// as a concrete type per the project's dependency-injection convention
// rather than an interface.
type repositoryLister = *db.DB

// Index fetches, caches and queries repository catalogs. The on-disk cache
// under cacheDir is the source of truth between UpdateIndex calls; the
// in-memory cache is populated lazily and invalidated only by an explicit
// UpdateIndex call for that repository.
type Index struct {
	cacheDir string
	database repositoryLister
	client   *http.Client
	mem      map[string]*Catalog
}

// New creates an Index backed by the given cache directory and installation
// database (used to enumerate registered repositories).
func New(cacheDir string, database *db.DB) *Index {
	return &Index{
		cacheDir: cacheDir,
		database: database,
		client:   &http.Client{Timeout: 30 * time.Second},
		mem:      make(map[string]*Catalog),
	}
}

func (ix *Index) cacheFile(repoName string) string {
	return filepath.Join(ix.cacheDir, repoName+".json")
}

// UpdateIndex fetches repoURL's catalog, persists it to the on-disk cache
// keyed by repoName, and refreshes the in-memory cache for that repository.
func (ix *Index) UpdateIndex(repoName, repoURL string) error {
	raw, err := fetchCatalog(ix.client, repoURL)
	if err != nil {
		return alperr.Wrap(alperr.DownloadFailed, "fetching index for "+repoName, err)
	}

	var cat Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return alperr.Wrap(alperr.PackageFormatError, "parsing index for "+repoName, err)
	}

	if err := os.MkdirAll(ix.cacheDir, 0755); err != nil {
		return alperr.Wrap(alperr.IOError, "creating cache directory", err)
	}
	pretty, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return alperr.Wrap(alperr.PackageFormatError, "re-encoding index for "+repoName, err)
	}
	if err := os.WriteFile(ix.cacheFile(repoName), pretty, 0644); err != nil {
		return alperr.Wrap(alperr.IOError, "writing cache file for "+repoName, err)
	}

	ix.mem[repoName] = &cat
	return nil
}

// UpdateAllIndexes updates every registered repository's index and returns
// the per-repository outcome.
func (ix *Index) UpdateAllIndexes() (map[string]error, error) {
	repos, err := ix.database.ListRepositories()
	if err != nil {
		return nil, err
	}
	results := make(map[string]error, len(repos))
	for _, repo := range repos {
		results[repo.Name] = ix.UpdateIndex(repo.Name, repo.URL)
	}
	return results, nil
}

// load returns repoName's catalog, reading through to the on-disk cache if
// it is not already in memory. It returns (nil, nil) if no cache exists yet.
func (ix *Index) load(repoName string) (*Catalog, error) {
	if cat, ok := ix.mem[repoName]; ok {
		return cat, nil
	}

	raw, err := os.ReadFile(ix.cacheFile(repoName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, alperr.Wrap(alperr.IOError, "reading cache file for "+repoName, err)
	}

	var cat Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, alperr.Wrap(alperr.PackageFormatError, "parsing cached index for "+repoName, err)
	}
	ix.mem[repoName] = &cat
	return &cat, nil
}

// SearchPackage returns every catalog entry across all registered
// repositories whose name or description contains query, case-insensitively.
func (ix *Index) SearchPackage(query string) ([]Entry, error) {
	repos, err := ix.database.ListRepositories()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	var out []Entry
	for _, repo := range repos {
		cat, err := ix.load(repo.Name)
		if err != nil {
			return nil, err
		}
		if cat == nil {
			continue
		}
		for _, pkg := range cat.Packages {
			if strings.Contains(strings.ToLower(pkg.Name), needle) ||
				strings.Contains(strings.ToLower(pkg.Description), needle) {
				out = append(out, Entry{PackageInfo: pkg, Repository: repo.Name, RepositoryURL: repo.URL})
			}
		}
	}
	return out, nil
}

// GetPackageMetadata returns the first matching entry for name across
// registered repositories, in priority order, or nil if none is found.
func (ix *Index) GetPackageMetadata(name string) (*Entry, error) {
	repos, err := ix.database.ListRepositories()
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		cat, err := ix.load(repo.Name)
		if err != nil {
			return nil, err
		}
		if cat == nil {
			continue
		}
		for _, pkg := range cat.Packages {
			if pkg.Name == name {
				return &Entry{PackageInfo: pkg, Repository: repo.Name, RepositoryURL: repo.URL}, nil
			}
		}
	}
	return nil, nil
}

// GetPackageURL returns the download URL for name-version's archive, or an
// empty string if the package cannot be located.
func (ix *Index) GetPackageURL(name, version string) (string, error) {
	entry, err := ix.GetPackageMetadata(name)
	if err != nil {
		return "", err
	}
	if entry == nil || entry.RepositoryURL == "" {
		return "", nil
	}
	return fmt.Sprintf("%s/packages/%s-%s.alp", strings.TrimSuffix(entry.RepositoryURL, "/"), name, version), nil
}

// ListAvailablePackages returns every catalog entry across all registered
// repositories.
func (ix *Index) ListAvailablePackages() ([]Entry, error) {
	repos, err := ix.database.ListRepositories()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, repo := range repos {
		cat, err := ix.load(repo.Name)
		if err != nil {
			return nil, err
		}
		if cat == nil {
			continue
		}
		for _, pkg := range cat.Packages {
			out = append(out, Entry{PackageInfo: pkg, Repository: repo.Name, RepositoryURL: repo.URL})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
