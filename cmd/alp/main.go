// Command alp is the ALP package manager's command-line entry point:
// install, remove, search, list, update, history, add-repo, list-repos
// and clean, plus build and mirror for the manifest build pipeline and
// the Debian APT export bridge.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/alp-project/alp/internal/alpctx"
	"github.com/alp-project/alp/internal/repoindex"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, err := alpctx.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "alp: "+err.Error())
		os.Exit(1)
	}
	defer ctx.Close()

	args := os.Args[2:]
	switch os.Args[1] {
	case "install":
		runInstall(ctx, args)
	case "remove":
		runRemove(ctx, args)
	case "search":
		runSearch(ctx, args)
	case "list":
		runList(ctx, args)
	case "update":
		runUpdate(ctx, args)
	case "history":
		runHistory(ctx, args)
	case "add-repo":
		runAddRepo(ctx, args)
	case "list-repos":
		runListRepos(ctx, args)
	case "clean":
		runClean(ctx, args)
	case "build":
		runBuild(ctx, args)
	case "mirror":
		runMirror(ctx, args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: alp <command> [flags]")
	fmt.Println("\nCommands:")
	fmt.Println("  install      Resolve and install one or more packages")
	fmt.Println("  remove       Remove one or more installed packages")
	fmt.Println("  search       Search registered repositories by name/description")
	fmt.Println("  list         List installed packages")
	fmt.Println("  update       Refresh all repository indexes")
	fmt.Println("  history      Show recent transactions")
	fmt.Println("  add-repo     Register a repository")
	fmt.Println("  list-repos   List registered repositories")
	fmt.Println("  clean        Remove all cached files (downloaded archives and index caches)")
	fmt.Println("  build        Build a .alp archive from a manifest")
	fmt.Println("  mirror       Export packages as a Debian-compatible APT repository")
}

// fail prints an error and exits non-zero, in the teacher's log.Fatalf style
// but without pulling in log for a single call site.
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "alp: "+format+"\n", args...)
	os.Exit(1)
}

func runInstall(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	noDeps := fs.Bool("no-deps", false, "install only the named packages, skipping dependency resolution")
	yes := fs.Bool("yes", false, "assume yes to the installation confirmation prompt")
	fs.Parse(args)

	names := fs.Args()
	if len(names) == 0 {
		fail("install requires at least one package name")
	}

	var confirm func(toInstall []repoindex.Entry) bool
	if !*yes {
		confirm = func(toInstall []repoindex.Entry) bool {
			fmt.Println("The following packages will be installed:")
			for _, pkg := range toInstall {
				fmt.Printf("  %s %s\n", pkg.Name, pkg.Version)
			}
			return confirmPrompt("Proceed with installation?")
		}
	}

	tx, err := ctx.Installer.Install(names, *noDeps, confirm, func(percent float64, downloaded, total int64) {
		fmt.Printf("\r  %.0f%% (%d/%d bytes)", percent, downloaded, total)
	})
	fmt.Println()
	if err != nil {
		fail("install failed: %v", err)
	}
	fmt.Printf("Transaction %s completed: %d package(s) installed\n", tx.ID, len(tx.Actions))
}

// confirmPrompt prints prompt, reads a line from stdin, and reports whether
// it was an affirmative answer ("y" or "yes", case-insensitive).
func confirmPrompt(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func runRemove(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	yes := fs.Bool("yes", false, "assume yes to the removal confirmation prompt")
	fs.Parse(args)

	names := fs.Args()
	if len(names) == 0 {
		fail("remove requires at least one package name")
	}

	var confirm func(names []string) bool
	if !*yes {
		confirm = func(names []string) bool {
			fmt.Printf("The following packages will be removed: %s\n", strings.Join(names, ", "))
			return confirmPrompt("Proceed with removal?")
		}
	}

	tx, err := ctx.Installer.Remove(names, confirm)
	if err != nil {
		fail("remove failed: %v", err)
	}
	fmt.Printf("Transaction %s completed\n", tx.ID)
	for _, a := range tx.Actions {
		if a.Action == "skip" {
			fmt.Printf("  skipped %s: %s\n", a.Details["package"], a.Details["reason"])
		} else {
			fmt.Printf("  removed %s\n", a.Details["package"])
		}
	}
}

func runSearch(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fail("search requires exactly one query term")
	}

	results, err := ctx.Index.SearchPackage(fs.Arg(0))
	if err != nil {
		fail("search failed: %v", err)
	}
	if len(results) == 0 {
		fmt.Println("No matching packages found.")
		return
	}
	for _, r := range results {
		fmt.Printf("%-20s %-10s %s [%s]\n", r.Name, r.Version, r.Description, r.Repository)
	}
}

func runList(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	pkgs, err := ctx.Database.ListPackages()
	if err != nil {
		fail("list failed: %v", err)
	}
	if len(pkgs) == 0 {
		fmt.Println("No packages installed.")
		return
	}
	for _, pkg := range pkgs {
		fmt.Printf("%-20s %-10s %s\n", pkg.Name, pkg.Version, pkg.Description)
	}
}

func runUpdate(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	fs.Parse(args)

	results, err := ctx.Index.UpdateAllIndexes()
	if err != nil {
		fail("update failed: %v", err)
	}
	for name, rerr := range results {
		if rerr != nil {
			fmt.Printf("%s: failed: %v\n", name, rerr)
		} else {
			fmt.Printf("%s: updated\n", name)
		}
	}
}

func runHistory(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 10, "number of most recent transactions to show")
	fs.Parse(args)

	all, err := ctx.Log.Load(*limit)
	if err != nil {
		fail("history failed: %v", err)
	}
	if len(all) == 0 {
		fmt.Println("No transactions recorded.")
		return
	}
	for _, t := range all {
		fmt.Printf("%s  %-8s %-10s %v\n", t.ID, t.Type, t.Status, t.Packages)
	}
}

func runAddRepo(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("add-repo", flag.ExitOnError)
	priority := fs.Int("priority", 100, "repository priority (higher wins on name conflicts)")
	fs.Parse(args)

	if fs.NArg() != 2 {
		fail("add-repo requires <name> <url>")
	}
	name, url := fs.Arg(0), fs.Arg(1)
	if err := ctx.Database.AddRepository(name, url, *priority); err != nil {
		fail("add-repo failed: %v", err)
	}
	if err := ctx.Index.UpdateIndex(name, url); err != nil {
		fail("added repository %s but failed to fetch its index: %v", name, err)
	}
	fmt.Printf("Repository %s registered at priority %d\n", name, *priority)
}

func runListRepos(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("list-repos", flag.ExitOnError)
	fs.Parse(args)

	repos, err := ctx.Database.ListRepositories()
	if err != nil {
		fail("list-repos failed: %v", err)
	}
	if len(repos) == 0 {
		fmt.Println("No repositories registered.")
		return
	}
	for _, r := range repos {
		fmt.Printf("%-15s priority=%-4d %s\n", r.Name, r.Priority, r.URL)
	}
}

func runClean(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	fs.Parse(args)

	entries, err := os.ReadDir(ctx.Layout.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Nothing to clean.")
			return
		}
		fail("clean failed: %v", err)
	}
	var removed int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(ctx.Layout.CacheDir + string(os.PathSeparator) + e.Name()); err == nil {
			removed++
		}
	}
	fmt.Printf("Removed %d cached file(s)\n", removed)
}

// runBuild builds a .alp archive from a declarative manifest, via the
// internal/manifest package.
func runBuild(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("out", ".", "directory to write the built .alp archive into")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fail("build requires exactly one manifest path")
	}
	buildFromManifest(ctx, fs.Arg(0), *outDir)
}

// runMirror exports installed (or, with -available, all indexed) packages
// as a Debian-compatible APT repository tree, via internal/mirror.
func runMirror(ctx *alpctx.Context, args []string) {
	fs := flag.NewFlagSet("mirror", flag.ExitOnError)
	gpgKeyEnv := fs.String("gpg-key-env", "", "name of the environment variable holding an armored OpenPGP private key to sign the Release file with")
	available := fs.Bool("available", false, "export every indexed package instead of only installed ones")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fail("mirror requires exactly one output directory")
	}
	mirrorExport(ctx, fs.Arg(0), *gpgKeyEnv, *available)
}
