// Package pkgformat implements the .alp package archive: a gzip-compressed
// tar container holding exactly two members, a metadata.yaml document and a
// data.tar.gz payload, bound together by a SHA-256 checksum of the payload.
package pkgformat

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alp-project/alp/internal/alperr"
	"go.yaml.in/yaml/v3"
)

const (
	metadataMember = "metadata.yaml"
	payloadMember  = "data.tar.gz"

	// Ext is the canonical extension for ALP package archives.
	Ext = ".alp"
)

// Metadata describes a package independently of where its bytes live.
//
// Conflicts, Provides and Files default to empty (never nil) so that callers
// ranging over them never need a nil check.
type Metadata struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	Architecture string   `yaml:"architecture"`
	Dependencies []string `yaml:"dependencies"`
	Conflicts    []string `yaml:"conflicts"`
	Provides     []string `yaml:"provides"`
	Maintainer   string   `yaml:"maintainer"`
	Homepage     string   `yaml:"homepage"`
	License      string   `yaml:"license"`
	Size         int64    `yaml:"size"`
	Checksum     string   `yaml:"checksum"`
	Files        []string `yaml:"files"`
}

// normalize fills in the zero-value defaults the rest of the codebase relies on.
func (m *Metadata) normalize() {
	if m.Dependencies == nil {
		m.Dependencies = []string{}
	}
	if m.Conflicts == nil {
		m.Conflicts = []string{}
	}
	if m.Provides == nil {
		m.Provides = []string{}
	}
	if m.Files == nil {
		m.Files = []string{}
	}
	if m.Architecture == "" {
		m.Architecture = "x86_64"
	}
}

// StandardFilename returns the canonical archive filename: name-version.alp.
func (m Metadata) StandardFilename() string {
	return fmt.Sprintf("%s-%s%s", m.Name, m.Version, Ext)
}

// Archive is a package loaded into memory: its metadata plus the raw,
// still-compressed payload bytes (data.tar.gz), so that Load does not need
// to decide eagerly whether the caller wants the payload extracted.
type Archive struct {
	Metadata Metadata
	Payload  []byte // data.tar.gz bytes, checksum already verified by Load
}

// Create builds a .alp archive from metadata and a payload tar.gz, writing
// it to w. It computes and stamps Metadata.Checksum and Metadata.Size from
// the payload before serializing it, so the archive is self-verifying.
func Create(w io.Writer, meta Metadata, payload []byte) error {
	meta.normalize()
	meta.Size = int64(len(payload))
	meta.Checksum = sha256Hex(payload)

	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		return alperr.Wrap(alperr.PackageFormatError, "marshaling metadata", err)
	}

	gw := gzip.NewWriter(w)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	if err := writeTarMember(tw, metadataMember, metaBytes); err != nil {
		return alperr.Wrap(alperr.PackageFormatError, "writing metadata member", err)
	}
	if err := writeTarMember(tw, payloadMember, payload); err != nil {
		return alperr.Wrap(alperr.PackageFormatError, "writing payload member", err)
	}
	return nil
}

// CreateFromDir builds a .alp archive for name-version directly from
// sourceDir: it tars and gzips the whole tree, derives meta.Files from the
// walk, and writes the finished archive to outputPath, matching the package
// format's original build entry point (as opposed to Create, which takes an
// already-built payload and backs callers, like the manifest build
// pipeline, that assemble the payload themselves file-by-file).
func CreateFromDir(outputPath, name, version, sourceDir string, meta Metadata) (*Archive, error) {
	meta.Name = name
	meta.Version = version

	var payloadBuf bytes.Buffer
	gw := gzip.NewWriter(&payloadBuf)
	tw := tar.NewWriter(gw)

	var files []string
	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name + "/" + rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, rel)

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return nil, alperr.Wrap(alperr.PackageFormatError, "walking "+sourceDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return nil, alperr.Wrap(alperr.PackageFormatError, "closing payload tar", err)
	}
	if err := gw.Close(); err != nil {
		return nil, alperr.Wrap(alperr.PackageFormatError, "closing payload gzip", err)
	}

	sort.Strings(files)
	meta.Files = files

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, alperr.Wrap(alperr.IOError, "creating "+outputPath, err)
	}
	defer out.Close()
	if err := Create(out, meta, payloadBuf.Bytes()); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, alperr.Wrap(alperr.IOError, "reading back "+outputPath, err)
	}
	return Load(bytes.NewReader(raw))
}

func writeTarMember(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name: name,
		Size: int64(len(content)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// Load reads a .alp archive from r, requiring exactly the two expected
// members and verifying the payload against the stamped checksum.
func Load(r io.Reader) (*Archive, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, alperr.Wrap(alperr.PackageFormatError, "opening gzip stream", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	var meta *Metadata
	var payload []byte
	seen := map[string]bool{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, alperr.Wrap(alperr.PackageFormatError, "reading tar header", err)
		}

		name := filepath.Base(hdr.Name)
		if seen[name] {
			return nil, alperr.New(alperr.PackageFormatError, fmt.Sprintf("duplicate member %q", name))
		}
		seen[name] = true

		switch name {
		case metadataMember:
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, alperr.Wrap(alperr.PackageFormatError, "reading metadata member", err)
			}
			var m Metadata
			if err := yaml.Unmarshal(raw, &m); err != nil {
				return nil, alperr.Wrap(alperr.PackageFormatError, "parsing metadata.yaml", err)
			}
			m.normalize()
			meta = &m
		case payloadMember:
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, alperr.Wrap(alperr.PackageFormatError, "reading payload member", err)
			}
			payload = raw
		default:
			return nil, alperr.New(alperr.PackageFormatError, fmt.Sprintf("unexpected member %q", name))
		}
	}

	if meta == nil {
		return nil, alperr.New(alperr.PackageFormatError, "missing "+metadataMember)
	}
	if payload == nil {
		return nil, alperr.New(alperr.PackageFormatError, "missing "+payloadMember)
	}

	archive := &Archive{Metadata: *meta, Payload: payload}
	if err := archive.VerifyChecksum(); err != nil {
		return nil, err
	}
	return archive, nil
}

// VerifyChecksum recomputes the SHA-256 digest of the payload and compares
// it against the checksum stamped in the metadata.
func (a *Archive) VerifyChecksum() error {
	got := sha256Hex(a.Payload)
	if !strings.EqualFold(got, a.Metadata.Checksum) {
		return alperr.New(alperr.ChecksumMismatch,
			fmt.Sprintf("%s-%s: expected %s, got %s", a.Metadata.Name, a.Metadata.Version, a.Metadata.Checksum, got))
	}
	return nil
}

// ExtractData unpacks the archive's payload (data.tar.gz) into destDir,
// rejecting any member whose path would escape destDir. The transactional
// installer never calls this — installation is database-only — but it
// backs the manifest build pipeline's round-trip tests and the mirror
// bridge, which both need real file bytes on disk.
func ExtractData(a *Archive, destDir string) error {
	gr, err := gzip.NewReader(strings.NewReader(string(a.Payload)))
	if err != nil {
		return alperr.Wrap(alperr.PackageFormatError, "opening payload gzip stream", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return alperr.Wrap(alperr.PackageFormatError, "reading payload tar header", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdirAll(target, 0755); err != nil {
				return alperr.Wrap(alperr.IOError, "creating directory "+target, err)
			}
		case tar.TypeReg:
			if err := mkdirAll(filepath.Dir(target), 0755); err != nil {
				return alperr.Wrap(alperr.IOError, "creating parent directory for "+target, err)
			}
			if err := writeFile(target, tr, hdr.Mode); err != nil {
				return alperr.Wrap(alperr.IOError, "writing "+target, err)
			}
		default:
			return alperr.New(alperr.PackageFormatError, fmt.Sprintf("member %q: unsupported tar entry type %q", hdr.Name, string(hdr.Typeflag)))
		}
	}
	return nil
}

// safeJoin joins dir and name, rejecting any result that escapes dir via
// ".." path segments or an absolute path, guarding ExtractData against
// path traversal from a maliciously crafted archive.
func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", alperr.New(alperr.PackageFormatError, fmt.Sprintf("member %q escapes destination directory", name))
	}
	target := filepath.Join(dir, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) && target != filepath.Clean(dir) {
		return "", alperr.New(alperr.PackageFormatError, fmt.Sprintf("member %q escapes destination directory", name))
	}
	return target, nil
}
