// Package manifest builds .alp archives from a declarative package
// definition: metadata plus a list of files to inject into the payload,
// each optionally rendered as a template against a set of defines.
package manifest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/alp-project/alp/internal/pkgformat"
)

// File is one file to inject into the built package's payload.
type File struct {
	Src  string `json:"src" yaml:"src"`
	Dst  string `json:"dst" yaml:"dst"`
	Raw  bool   `json:"raw" yaml:"raw"`
	Mode string `json:"mode" yaml:"mode"`
}

// Package is a package's build definition: metadata fields plus the files
// to inject into the payload. Name, version, description, maintainer,
// homepage, license, source_dir and file sources/destinations/modes may
// reference {{ define }} variables; architecture, dependencies, conflicts
// and provides are used as written.
type Package struct {
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Description  string            `json:"description" yaml:"description"`
	Architecture string            `json:"architecture" yaml:"architecture"`
	Dependencies []string          `json:"dependencies" yaml:"dependencies"`
	Conflicts    []string          `json:"conflicts" yaml:"conflicts"`
	Provides     []string          `json:"provides" yaml:"provides"`
	Maintainer   string            `json:"maintainer" yaml:"maintainer"`
	Homepage     string            `json:"homepage" yaml:"homepage"`
	License      string            `json:"license" yaml:"license"`
	Defines      map[string]string `json:"defines" yaml:"defines"`
	Files        []File            `json:"files" yaml:"files"`

	// SourceDir, if set, builds the payload by walking a directory tree
	// directly (via pkgformat.CreateFromDir) instead of assembling it from
	// Files. Mutually exclusive with Files.
	SourceDir string `json:"source_dir" yaml:"source_dir"`

	filePath string
	engine   *templateEngine
}

// Load reads and parses a package definition from path, as JSON or YAML
// depending on its extension, and initializes its template engine.
func Load(path string) (*Package, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var pkg Package
	if err := unmarshal(path, content, &pkg); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if pkg.Name == "" || pkg.Version == "" {
		return nil, fmt.Errorf("manifest %s must specify name and version", path)
	}
	if pkg.SourceDir != "" && len(pkg.Files) > 0 {
		return nil, fmt.Errorf("manifest %s: source_dir and files are mutually exclusive", path)
	}

	pkg.filePath = path
	pkg.engine, err = newTemplateEngine(pkg.Defines)
	if err != nil {
		return nil, fmt.Errorf("initializing template engine for %s: %w", path, err)
	}
	return &pkg, nil
}

func (p *Package) resolve(path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return filepath.Join(filepath.Dir(p.filePath), path)
}

func (p *Package) loadResource(path string, raw bool) ([]byte, error) {
	var content []byte

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		resp, err := http.Get(path)
		if err != nil {
			return nil, fmt.Errorf("fetching resource %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching resource %s: %s", path, resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading resource body %s: %w", path, err)
		}
		content = body
	} else {
		resolved := p.resolve(path)
		body, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading resource %s: %w", resolved, err)
		}
		content = body
	}

	if raw {
		return content, nil
	}
	rendered, err := p.engine.render(path, string(content))
	if err != nil {
		return nil, err
	}
	return []byte(rendered), nil
}

// Build renders the manifest's templated fields, assembles the payload
// tar.gz from its injected files, and writes the resulting .alp archive
// into outDir under its standard filename. It returns the built archive
// and the path it was written to.
func (p *Package) Build(outDir string) (*pkgformat.Archive, string, error) {
	meta := pkgformat.Metadata{
		Architecture: p.Architecture,
		Dependencies: p.Dependencies,
		Conflicts:    p.Conflicts,
		Provides:     p.Provides,
	}

	var err error
	if meta.Name, err = p.engine.render("name", p.Name); err != nil {
		return nil, "", err
	}
	if meta.Version, err = p.engine.render("version", p.Version); err != nil {
		return nil, "", err
	}
	if meta.Description, err = p.engine.render("description", p.Description); err != nil {
		return nil, "", err
	}
	if meta.Maintainer, err = p.engine.render("maintainer", p.Maintainer); err != nil {
		return nil, "", err
	}
	if meta.Homepage, err = p.engine.render("homepage", p.Homepage); err != nil {
		return nil, "", err
	}
	if meta.License, err = p.engine.render("license", p.License); err != nil {
		return nil, "", err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, "", fmt.Errorf("creating output directory %s: %w", outDir, err)
	}

	if p.SourceDir != "" {
		sourceDir, err := p.engine.render("source_dir", p.SourceDir)
		if err != nil {
			return nil, "", err
		}
		destPath := filepath.Join(outDir, meta.StandardFilename())
		archive, err := pkgformat.CreateFromDir(destPath, meta.Name, meta.Version, p.resolve(sourceDir), meta)
		if err != nil {
			return nil, "", err
		}
		return archive, destPath, nil
	}

	var payloadBuf bytes.Buffer
	gw := gzip.NewWriter(&payloadBuf)
	tw := tar.NewWriter(gw)

	for i, f := range p.Files {
		src, err := p.engine.render(fmt.Sprintf("files[%d].src", i), f.Src)
		if err != nil {
			return nil, "", err
		}
		dst, err := p.engine.render(fmt.Sprintf("files[%d].dst", i), f.Dst)
		if err != nil {
			return nil, "", err
		}

		var mode int64 = 0644
		if f.Mode != "" {
			modeStr, err := p.engine.render(fmt.Sprintf("files[%d].mode", i), f.Mode)
			if err != nil {
				return nil, "", err
			}
			mode, err = strconv.ParseInt(modeStr, 8, 64)
			if err != nil {
				return nil, "", fmt.Errorf("parsing mode %s for %s: %w", modeStr, dst, err)
			}
		}

		content, err := p.loadResource(src, f.Raw)
		if err != nil {
			return nil, "", err
		}

		hdr := &tar.Header{Name: strings.TrimPrefix(dst, "/"), Size: int64(len(content)), Mode: mode}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, "", fmt.Errorf("writing payload header for %s: %w", dst, err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, "", fmt.Errorf("writing payload content for %s: %w", dst, err)
		}
		meta.Files = append(meta.Files, dst)
	}

	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing payload tar stream: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing payload gzip stream: %w", err)
	}

	var archiveBuf bytes.Buffer
	if err := pkgformat.Create(&archiveBuf, meta, payloadBuf.Bytes()); err != nil {
		return nil, "", err
	}

	archive, err := pkgformat.Load(bytes.NewReader(archiveBuf.Bytes()))
	if err != nil {
		return nil, "", err
	}

	destPath := filepath.Join(outDir, meta.StandardFilename())
	if err := os.WriteFile(destPath, archiveBuf.Bytes(), 0644); err != nil {
		return nil, "", fmt.Errorf("writing %s: %w", destPath, err)
	}
	return archive, destPath, nil
}

// unmarshal parses JSON or YAML based on file extension.
func unmarshal(path string, data []byte, v interface{}) error {
	ext := strings.ToLower(filepath.Ext(path))
	r := bytes.NewReader(data)
	if ext == ".yaml" || ext == ".yml" {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		return dec.Decode(v)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
