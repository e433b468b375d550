package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alp-project/alp/internal/pkgformat"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func TestLoadAndBuildYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "greeting.txt", "hello from {{.app_name}}\n")

	manifestYAML := `
name: hello
version: "1.0"
description: a test package
defines:
  app_name: hello-app
files:
  - src: greeting.txt
    dst: /usr/share/hello/greeting.txt
    mode: "0644"
`
	path := writeManifest(t, dir, "hello.yaml", manifestYAML)

	pkg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	outDir := t.TempDir()
	archive, destPath, err := pkg.Build(outDir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if archive.Metadata.Name != "hello" || archive.Metadata.Version != "1.0" {
		t.Errorf("unexpected metadata: %+v", archive.Metadata)
	}
	if filepath.Base(destPath) != "hello-1.0"+pkgformat.Ext {
		t.Errorf("destPath = %q, want standard filename", destPath)
	}
	if len(archive.Metadata.Files) != 1 || archive.Metadata.Files[0] != "/usr/share/hello/greeting.txt" {
		t.Errorf("unexpected Files: %+v", archive.Metadata.Files)
	}

	extractDir := t.TempDir()
	if err := pkgformat.ExtractData(archive, extractDir); err != nil {
		t.Fatalf("ExtractData: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(extractDir, "usr/share/hello/greeting.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(raw) != "hello from hello-app\n" {
		t.Errorf("extracted content = %q, want rendered template", raw)
	}
}

func TestLoadAndBuildSourceDir(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "tree")
	if err := os.MkdirAll(filepath.Join(srcDir, "usr", "bin"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "usr", "bin", "hello"), []byte("bin content"), 0755); err != nil {
		t.Fatalf("write: %v", err)
	}

	manifestYAML := `
name: hello
version: "1.0"
description: built from a directory
source_dir: tree
`
	path := writeManifest(t, dir, "hello-dir.yaml", manifestYAML)

	pkg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	outDir := t.TempDir()
	archive, destPath, err := pkg.Build(outDir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if filepath.Base(destPath) != "hello-1.0"+pkgformat.Ext {
		t.Errorf("destPath = %q, want standard filename", destPath)
	}
	if len(archive.Metadata.Files) != 1 || archive.Metadata.Files[0] != "usr/bin/hello" {
		t.Errorf("unexpected Files: %+v", archive.Metadata.Files)
	}

	extractDir := t.TempDir()
	if err := pkgformat.ExtractData(archive, extractDir); err != nil {
		t.Fatalf("ExtractData: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(extractDir, "hello", "usr", "bin", "hello"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(raw) != "bin content" {
		t.Errorf("extracted content = %q", raw)
	}
}

func TestLoadRejectsSourceDirWithFiles(t *testing.T) {
	dir := t.TempDir()
	manifestJSON := `{
		"name": "bad",
		"version": "1.0",
		"source_dir": "tree",
		"files": [{"src": "a", "dst": "/a"}]
	}`
	path := writeManifest(t, dir, "bad-dir.json", manifestJSON)

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a manifest with both source_dir and files")
	}
}

func TestLoadRejectsMissingNameOrVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "bad.json", `{"description": "no name or version"}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a manifest missing name/version")
	}
}

func TestBuildRendersMetadataTemplates(t *testing.T) {
	dir := t.TempDir()
	manifestJSON := `{
		"name": "app",
		"version": "2.3",
		"description": "built by {{.vendor}}",
		"defines": {"vendor": "acme"}
	}`
	path := writeManifest(t, dir, "app.json", manifestJSON)

	pkg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	archive, _, err := pkg.Build(t.TempDir())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if archive.Metadata.Description != "built by acme" {
		t.Errorf("Description = %q, want rendered template", archive.Metadata.Description)
	}
}
