// Package resolver implements ALP's breadth-first dependency resolver: it
// walks a requested package set outward through its dependency graph,
// tightening version requirements as it goes, and reports what needs
// installing, what conflicts, and what is missing.
//
// The algorithm is breadth-first, not a topological sort: packages appear
// in Result.Install in discovery order, which does not guarantee that a
// dependency appears before everything that depends on it. Callers that
// need install order must compute it separately.
package resolver

import (
	"strconv"
	"strings"

	"github.com/alp-project/alp/internal/db"
	"github.com/alp-project/alp/internal/repoindex"
)

// Result is the outcome of a resolution pass.
type Result struct {
	Install   []repoindex.Entry
	Conflicts []string

	// Missing holds dependency names with no candidate in any repository
	// index at all.
	Missing []string

	// Unsatisfiable holds dependency descriptions ("name>=version
	// (available: found)") where a candidate exists but no version meets
	// the required minimum.
	Unsatisfiable []string
}

// Resolver resolves package requests against an installation database and
// a repository index.
type Resolver struct {
	database *db.DB
	index    *repoindex.Index
}

// New creates a Resolver over the given database and repository index.
func New(database *db.DB, index *repoindex.Index) *Resolver {
	return &Resolver{database: database, index: index}
}

// ParseDependency splits a dependency string into its package name and an
// optional minimum version. "gcc>=11.0" yields ("gcc", "11.0"); "gcc=11.0"
// is treated identically; "gcc" alone yields ("gcc", "").
func ParseDependency(dep string) (name, version string) {
	if idx := strings.Index(dep, ">="); idx >= 0 {
		return strings.TrimSpace(dep[:idx]), strings.TrimSpace(dep[idx+2:])
	}
	if idx := strings.Index(dep, "="); idx >= 0 {
		return strings.TrimSpace(dep[:idx]), strings.TrimSpace(dep[idx+1:])
	}
	return strings.TrimSpace(dep), ""
}

// CompareVersions compares two dotted-integer version strings. It returns
// -1 if v1 < v2, 0 if equal, 1 if v1 > v2. Shorter version strings are
// zero-padded to the longer one's length before comparing component-wise.
func CompareVersions(v1, v2 string) int {
	p1 := splitVersion(v1)
	p2 := splitVersion(v2)

	n := len(p1)
	if len(p2) > n {
		n = len(p2)
	}
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(p1) {
			a = p1[i]
		}
		if i < len(p2) {
			b = p2[i]
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return 0
}

func splitVersion(v string) []int {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}

// Resolve walks the dependency graph rooted at names and returns the set of
// packages to install, any conflicting packages, and any missing ones.
//
// The queue-driven walk, the visited/requirements maps, and the
// re-processing rule for a strictly stronger requirement all mirror the
// reference resolver exactly: a name is skipped once visited unless a
// later requirement for it is strictly newer than the one it was first
// visited with.
func (r *Resolver) Resolve(names []string) (*Result, error) {
	res := &Result{}
	visited := map[string]string{}      // name -> required version seen ("" means unversioned)
	hasVisited := map[string]bool{}     // name -> was ever queued/processed
	requirements := map[string]string{} // name -> strongest required version seen so far

	queue := append([]string{}, names...)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		required := requirements[name]

		if hasVisited[name] {
			prev := visited[name]
			switch {
			case required != "" && prev != "":
				if CompareVersions(required, prev) > 0 {
					visited[name] = required
				} else {
					continue
				}
			case required == "":
				continue
			default:
				visited[name] = required
			}
		} else {
			visited[name] = required
			hasVisited[name] = true
		}

		entry, err := r.index.GetPackageMetadata(name)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			res.Missing = append(res.Missing, name)
			continue
		}

		if required != "" && CompareVersions(entry.Version, required) < 0 {
			res.Unsatisfiable = append(res.Unsatisfiable, name+">="+required+" (available: "+entry.Version+")")
			continue
		}

		installed, err := r.database.GetPackage(name)
		if err != nil {
			return nil, err
		}
		if installed != nil {
			if required != "" {
				if CompareVersions(installed.Version, required) >= 0 {
					continue
				}
			} else if CompareVersions(installed.Version, entry.Version) >= 0 {
				continue
			}
		}

		if r.conflicts(*entry, res.Install) {
			res.Conflicts = append(res.Conflicts, name)
			continue
		}

		replaced := false
		for i, existing := range res.Install {
			if existing.Name == name {
				res.Install[i] = *entry
				replaced = true
				break
			}
		}
		if !replaced {
			res.Install = append(res.Install, *entry)
		}

		for _, dep := range entry.Dependencies {
			depName, depVersion := ParseDependency(dep)

			if depVersion != "" {
				existingReq := requirements[depName]
				if existingReq != "" {
					if CompareVersions(depVersion, existingReq) > 0 {
						requirements[depName] = depVersion
						if hasVisited[depName] {
							queue = append(queue, depName)
						}
					}
				} else {
					requirements[depName] = depVersion
				}
			}

			shouldAdd := true
			depInstalled, err := r.database.GetPackage(depName)
			if err != nil {
				return nil, err
			}
			if depInstalled != nil {
				if depVersion != "" {
					if CompareVersions(depInstalled.Version, depVersion) < 0 {
						queue = append(queue, depName)
						shouldAdd = false
					} else {
						shouldAdd = false
					}
				} else {
					shouldAdd = false
				}
			}
			if shouldAdd {
				queue = append(queue, depName)
			}
		}
	}

	return res, nil
}

// conflicts reports whether pkg conflicts with anything already selected
// for install, in either direction, or with anything already installed.
func (r *Resolver) conflicts(pkg repoindex.Entry, installing []repoindex.Entry) bool {
	conflictSet := map[string]bool{}
	for _, c := range pkg.Conflicts {
		conflictSet[c] = true
	}

	for _, other := range installing {
		if conflictSet[other.Name] {
			return true
		}
		for _, c := range other.Conflicts {
			if c == pkg.Name {
				return true
			}
		}
	}

	for c := range conflictSet {
		installed, err := r.database.IsInstalled(c)
		if err == nil && installed {
			return true
		}
	}
	return false
}

// ReverseDependencies returns the names of installed packages that declare
// a dependency on name.
func (r *Resolver) ReverseDependencies(name string) ([]string, error) {
	all, err := r.database.ListPackages()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, summary := range all {
		full, err := r.database.GetPackage(summary.Name)
		if err != nil {
			return nil, err
		}
		if full == nil {
			continue
		}
		for _, dep := range full.Dependencies {
			depName, _ := ParseDependency(dep)
			if depName == name {
				out = append(out, summary.Name)
				break
			}
		}
	}
	return out, nil
}

// CanRemove reports whether name can be removed without breaking any other
// installed package's dependencies, returning the blocking reverse
// dependencies when it cannot.
func (r *Resolver) CanRemove(name string) (bool, []string, error) {
	reverse, err := r.ReverseDependencies(name)
	if err != nil {
		return false, nil, err
	}
	if len(reverse) > 0 {
		return false, reverse, nil
	}
	return true, nil, nil
}
