package main

import (
	"fmt"
	"os"

	"github.com/alp-project/alp/internal/alpctx"
	"github.com/alp-project/alp/internal/mirror"
)

// mirrorExport exports installed (or, if available is true, all indexed)
// packages to outDir as a Debian-compatible APT repository tree,
// optionally signed with the OpenPGP private key named by gpgKeyEnv.
func mirrorExport(ctx *alpctx.Context, outDir, gpgKeyEnv string, available bool) {
	var gpgKey string
	if gpgKeyEnv != "" {
		gpgKey = os.Getenv(gpgKeyEnv)
		if gpgKey == "" {
			fail("mirror: environment variable %s is empty or unset", gpgKeyEnv)
		}
	}

	err := mirror.ExportRepository(ctx, outDir, gpgKey, available, func(name, version string, err error) {
		fmt.Fprintf(os.Stderr, "alp: mirror: skipping %s-%s: %v\n", name, version, err)
	})
	if err != nil {
		fail("mirror failed: %v", err)
	}
	fmt.Printf("Exported APT repository to %s\n", outDir)
}
