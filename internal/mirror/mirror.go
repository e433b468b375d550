// Package mirror bridges ALP's repository model to the Debian/APT world:
// it exports installed or indexed packages as a real, optionally
// OpenPGP-signed APT repository tree of .deb files plus Packages/Release
// indices, adapted from the teacher's deb/ and apt/ packages generalized
// to ALP's own package format and metadata.
package mirror

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/blakesmith/ar"

	"github.com/alp-project/alp/internal/alpctx"
	"github.com/alp-project/alp/internal/pkgformat"
)

// debPackage is one .deb built for the exported repository: its control
// stanza plus the repository-relative metadata (Filename/Size/SHA256) that
// the Packages index needs.
type debPackage struct {
	control  string
	filename string
	size     int64
	sha256   string
}

// Warn is called for a package that could not be exported; export
// continues with the remaining packages rather than aborting, mirroring
// the best-effort style of the transactional installer's rollback.
type Warn func(name, version string, err error)

// ExportRepository builds a Debian-compatible APT repository tree at
// outDir from ALP's installed packages, or (if available is true) from
// every package currently indexed across registered repositories. Each
// package's real payload is re-fetched and extracted via
// pkgformat.ExtractData so the resulting .deb carries actual file
// content, not just metadata. gpgKey, if non-empty, is an ASCII-armored
// OpenPGP private key used to sign the Release file.
func ExportRepository(ctx *alpctx.Context, outDir, gpgKey string, available bool, warn Warn) error {
	if warn == nil {
		warn = func(string, string, error) {}
	}

	entries, err := sourceEntries(ctx, available)
	if err != nil {
		return err
	}

	packagesDir := filepath.Join(outDir, "packages")
	if err := os.MkdirAll(packagesDir, 0755); err != nil {
		return fmt.Errorf("creating packages directory: %w", err)
	}

	var debs []debPackage
	for _, e := range entries {
		built, err := exportOne(ctx, e, packagesDir)
		if err != nil {
			warn(e.name, e.version, err)
			continue
		}
		debs = append(debs, *built)
	}

	sort.Slice(debs, func(i, j int) bool { return debs[i].filename < debs[j].filename })
	return writeIndices(outDir, debs, gpgKey)
}

// sourceEntry is the subset of fields ExportRepository needs, unified
// across the "installed" (internal/db.Package) and "available"
// (internal/repoindex.Entry) sources.
type sourceEntry struct {
	name, version, description, architecture string
	maintainer, homepage                     string
	dependencies                             []string
}

func sourceEntries(ctx *alpctx.Context, available bool) ([]sourceEntry, error) {
	if available {
		listed, err := ctx.Index.ListAvailablePackages()
		if err != nil {
			return nil, err
		}
		out := make([]sourceEntry, 0, len(listed))
		for _, e := range listed {
			out = append(out, sourceEntry{
				name: e.Name, version: e.Version, description: e.Description,
				architecture: e.Architecture, maintainer: e.Maintainer,
				homepage: e.Homepage, dependencies: e.Dependencies,
			})
		}
		return out, nil
	}

	listed, err := ctx.Database.ListPackages()
	if err != nil {
		return nil, err
	}
	out := make([]sourceEntry, 0, len(listed))
	for _, p := range listed {
		full, err := ctx.Database.GetPackage(p.Name)
		if err != nil || full == nil {
			continue
		}
		out = append(out, sourceEntry{
			name: full.Name, version: full.Version, description: full.Description,
			architecture: full.Architecture, maintainer: full.Maintainer,
			homepage: full.Homepage, dependencies: full.Dependencies,
		})
	}
	return out, nil
}

// exportOne re-fetches name-version's .alp archive, extracts its payload,
// and repacks it as a .deb under packagesDir.
func exportOne(ctx *alpctx.Context, e sourceEntry, packagesDir string) (*debPackage, error) {
	url, err := ctx.Index.GetPackageURL(e.name, e.version)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("no repository entry for %s-%s", e.name, e.version)
	}

	raw, err := download(url)
	if err != nil {
		return nil, fmt.Errorf("downloading %s-%s: %w", e.name, e.version, err)
	}

	archive, err := pkgformat.Load(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	extractDir, err := os.MkdirTemp("", "alp-mirror-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(extractDir)
	if err := pkgformat.ExtractData(archive, extractDir); err != nil {
		return nil, err
	}

	dataTarGz, installedSize, err := buildDataArchive(extractDir)
	if err != nil {
		return nil, err
	}

	control := controlStanza(e, installedSize)
	controlTarGz, err := buildControlArchive(control)
	if err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("%s_%s_%s.deb", e.name, e.version, archOrAny(e.architecture))
	destPath := filepath.Join(packagesDir, filename)
	debBytes, err := buildDeb(controlTarGz, dataTarGz)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(destPath, debBytes, 0644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", destPath, err)
	}

	sum := sha256.Sum256(debBytes)
	return &debPackage{
		control:  control,
		filename: "packages/" + filename,
		size:     int64(len(debBytes)),
		sha256:   hex.EncodeToString(sum[:]),
	}, nil
}

func archOrAny(arch string) string {
	if arch == "" {
		return "all"
	}
	return arch
}

// controlStanza renders a Debian control file from ALP metadata.
func controlStanza(e sourceEntry, installedSize int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Package: %s\n", e.name)
	fmt.Fprintf(&b, "Version: %s\n", e.version)
	fmt.Fprintf(&b, "Architecture: %s\n", archOrAny(e.architecture))
	if e.maintainer != "" {
		fmt.Fprintf(&b, "Maintainer: %s\n", e.maintainer)
	}
	if len(e.dependencies) > 0 {
		fmt.Fprintf(&b, "Depends: %s\n", strings.Join(e.dependencies, ", "))
	}
	fmt.Fprintf(&b, "Installed-Size: %d\n", installedSize/1024)
	if e.homepage != "" {
		fmt.Fprintf(&b, "Homepage: %s\n", e.homepage)
	}
	desc := e.description
	if desc == "" {
		desc = "(no description)"
	}
	fmt.Fprintf(&b, "Description: %s\n", desc)
	return b.String()
}

// buildDataArchive tars and gzips every regular file under dir, rooted at
// dir, and reports the uncompressed total size.
func buildDataArchive(dir string) ([]byte, int64, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: "./" + filepath.ToSlash(rel), Size: int64(len(content)), Mode: int64(info.Mode().Perm())}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(content); err != nil {
			return err
		}
		total += int64(len(content))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), total, nil
}

func buildControlArchive(control string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	hdr := &tar.Header{Name: "./control", Size: int64(len(control)), Mode: 0644}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(control)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildDeb assembles the three-member ar archive (debian-binary,
// control.tar.gz, data.tar.gz) that makes up a .deb file.
func buildDeb(controlTarGz, dataTarGz []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	if err := w.WriteGlobalHeader(); err != nil {
		return nil, err
	}

	members := []struct {
		name string
		body []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.gz", controlTarGz},
		{"data.tar.gz", dataTarGz},
	}
	for _, m := range members {
		hdr := &ar.Header{Name: m.name, Size: int64(len(m.body)), Mode: 0644, ModTime: time.Now()}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := w.Write(m.body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// writeIndices generates and writes Packages, Packages.gz, Release and
// (if gpgKey is non-empty) InRelease plus the public key, to outDir.
func writeIndices(outDir string, debs []debPackage, gpgKey string) error {
	var pkgBuf bytes.Buffer
	for _, d := range debs {
		pkgBuf.WriteString(d.control)
		if !strings.HasSuffix(d.control, "\n") {
			pkgBuf.WriteString("\n")
		}
		fmt.Fprintf(&pkgBuf, "Filename: %s\nSize: %d\nSHA256: %s\n\n", d.filename, d.size, d.sha256)
	}
	packagesContent := pkgBuf.Bytes()

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(packagesContent); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	packagesGz := gzBuf.Bytes()

	var relBuf bytes.Buffer
	hPkg := sha256.Sum256(packagesContent)
	hGz := sha256.Sum256(packagesGz)
	fmt.Fprintf(&relBuf, "Origin: alp\nLabel: ALP Mirror\nDate: %s\nSHA256:\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&relBuf, " %x %d Packages\n", hPkg, len(packagesContent))
	fmt.Fprintf(&relBuf, " %x %d Packages.gz\n", hGz, len(packagesGz))
	releaseContent := relBuf.Bytes()

	if err := os.WriteFile(filepath.Join(outDir, "Packages"), packagesContent, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "Packages.gz"), packagesGz, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "Release"), releaseContent, 0644); err != nil {
		return err
	}

	if gpgKey == "" {
		return nil
	}

	signed, err := signClearsign(releaseContent, gpgKey)
	if err != nil {
		return fmt.Errorf("signing Release: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "InRelease"), signed, 0644); err != nil {
		return err
	}
	pubKey, err := armoredPublicKey(gpgKey)
	if err != nil {
		return fmt.Errorf("extracting public key: %w", err)
	}
	return os.WriteFile(filepath.Join(outDir, "public.asc"), pubKey, 0644)
}

func signClearsign(input []byte, key string) ([]byte, error) {
	signer, err := privateSigner(key)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	w, err := clearsign.Encode(&out, signer.PrivateKey, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(input); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func armoredPublicKey(key string) ([]byte, error) {
	signer, err := privateSigner(key)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := signer.Serialize(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func privateSigner(key string) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(key))
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.PrivateKey != nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no private key in provided key material")
}

func download(url string) ([]byte, error) {
	switch {
	case strings.HasPrefix(url, "file://"):
		return os.ReadFile(strings.TrimPrefix(url, "file://"))
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := http.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", url)
	}
}
