package main

import (
	"fmt"

	"github.com/alp-project/alp/internal/alpctx"
	"github.com/alp-project/alp/internal/manifest"
)

// buildFromManifest loads a package manifest and writes the resulting .alp
// archive into outDir.
func buildFromManifest(ctx *alpctx.Context, manifestPath, outDir string) {
	pkg, err := manifest.Load(manifestPath)
	if err != nil {
		fail("build failed: %v", err)
	}

	archive, destPath, err := pkg.Build(outDir)
	if err != nil {
		fail("build failed: %v", err)
	}
	fmt.Printf("Built %s (%s, checksum %s) -> %s\n",
		archive.Metadata.StandardFilename(), archive.Metadata.Version, archive.Metadata.Checksum, destPath)
}
