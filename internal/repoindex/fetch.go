package repoindex

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// fetchCatalog retrieves the raw JSON bytes of a repository index from a
// file://, http:// or https:// URL, or synthesizes one from a GitHub
// Releases feed addressed as github://owner/repo.
func fetchCatalog(client *http.Client, repoURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(repoURL, "file://"):
		path := strings.TrimPrefix(repoURL, "file://") + "/index.json"
		return os.ReadFile(path)
	case strings.HasPrefix(repoURL, "github://"):
		return fetchGitHubCatalog(client, strings.TrimPrefix(repoURL, "github://"))
	case strings.HasPrefix(repoURL, "http://"), strings.HasPrefix(repoURL, "https://"):
		resp, err := client.Get(strings.TrimSuffix(repoURL, "/") + "/index.json")
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching index: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported repository URL scheme: %s", repoURL)
	}
}

type ghRelease struct {
	TagName string    `json:"tag_name"`
	Assets  []ghAsset `json:"assets"`
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// fetchGitHubCatalog builds a synthetic Catalog from a GitHub repository's
// releases: every asset named "{name}-{version}.alp" becomes one package
// entry carrying only its name and version; Checksum, dependencies and the
// other metadata fields are left empty.
func fetchGitHubCatalog(client *http.Client, ownerRepo string) ([]byte, error) {
	parts := strings.SplitN(ownerRepo, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid github:// repository reference %q, expected owner/repo", ownerRepo)
	}
	owner, repo := parts[0], parts[1]

	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases", owner, repo)
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API status %d", resp.StatusCode)
	}

	var releases []ghRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, err
	}

	cat := Catalog{Name: repo, Description: fmt.Sprintf("GitHub releases for %s/%s", owner, repo)}
	for _, rel := range releases {
		for _, asset := range rel.Assets {
			name, version, ok := parseAssetName(asset.Name)
			if !ok {
				continue
			}
			cat.Packages = append(cat.Packages, PackageInfo{Name: name, Version: version})
		}
	}
	return json.Marshal(cat)
}

// parseAssetName splits a "{name}-{version}.alp" asset filename into its
// package name and version.
func parseAssetName(filename string) (name, version string, ok bool) {
	const ext = ".alp"
	if !strings.HasSuffix(filename, ext) {
		return "", "", false
	}
	base := strings.TrimSuffix(filename, ext)
	idx := strings.LastIndex(base, "-")
	if idx <= 0 || idx == len(base)-1 {
		return "", "", false
	}
	return base[:idx], base[idx+1:], true
}
