// Package sched picks installation order for pending jobs. Scores blend
// priority, dependency count, estimated runtime, queue age and how many other
// jobs a package unblocks; lower scores run first. All functions are pure so
// callers pass the clock in.
package sched

import (
	"sort"
	"time"

	"github.com/hpcops/spackq/internal/model"
)

// Graph maps a package name to the set of packages it depends on.
type Graph map[string]map[string]bool

// BuildGraph builds the dependency graph for the given jobs. A package
// submitted more than once keeps the dependencies of the last job seen.
func BuildGraph(jobs []*model.Job) Graph {
	g := make(Graph, len(jobs))
	for _, j := range jobs {
		deps := make(map[string]bool, len(j.Dependencies))
		for _, d := range j.Dependencies {
			deps[d] = true
		}
		g[j.PackageName] = deps
	}
	return g
}

// countUnlocked counts packages in the graph that depend on pkg.
func countUnlocked(pkg string, g Graph) int {
	n := 0
	for _, deps := range g {
		if deps[pkg] {
			n++
		}
	}
	return n
}

// Score rates one job against the pending-job graph; lower runs first.
func Score(j *model.Job, g Graph, now time.Time) float64 {
	score := (4.0 - j.Priority.Weight()) * 100

	score += float64(len(j.Dependencies)) * 10

	// Shorter jobs get a slight preference, capped so long jobs never starve.
	timeFactor := j.EstimatedTime / 3600.0
	if timeFactor > 2.0 {
		timeFactor = 2.0
	}
	score += timeFactor * 5

	ageHours := now.Sub(j.SubmittedAt).Hours()
	if ageHours > 24.0 {
		ageHours = 24.0
	}
	score -= ageHours * 2

	score -= float64(countUnlocked(j.PackageName, g)) * 15

	return score
}

// ready reports whether every dependency of j is in installed.
func ready(j *model.Job, installed map[string]bool) bool {
	for _, d := range j.Dependencies {
		if !installed[d] {
			return false
		}
	}
	return true
}

func pendingOnly(jobs []*model.Job) []*model.Job {
	var pending []*model.Job
	for _, j := range jobs {
		if j.Status == model.StatusPending {
			pending = append(pending, j)
		}
	}
	return pending
}

// NextJob returns the pending job with the best score among those whose
// dependencies are all in installed, or nil when none is ready. Score ties go
// to the lower job id.
func NextJob(jobs []*model.Job, installed map[string]bool, now time.Time) *model.Job {
	pending := pendingOnly(jobs)
	if len(pending) == 0 {
		return nil
	}

	g := BuildGraph(pending)

	var (
		best      *model.Job
		bestScore float64
	)
	for _, j := range pending {
		if !ready(j, installed) {
			continue
		}
		s := Score(j, g, now)
		if best == nil || s < bestScore || (s == bestScore && j.ID < best.ID) {
			best, bestScore = j, s
		}
	}
	return best
}

// OptimizeOrder simulates draining the pending queue: repeatedly pick the
// best ready job, treat its package as installed, and continue. When nothing
// is ready (cycles or external dependencies) it falls back to the highest
// priority job with the fewest dependencies, oldest first, so every job still
// gets a slot in the order.
func OptimizeOrder(jobs []*model.Job, now time.Time) []*model.Job {
	remaining := pendingOnly(jobs)
	if len(remaining) == 0 {
		return nil
	}

	order := make([]*model.Job, 0, len(remaining))
	installed := make(map[string]bool, len(remaining))

	for len(remaining) > 0 {
		next := NextJob(remaining, installed, now)
		if next == nil {
			next = fallbackPick(remaining)
		}
		order = append(order, next)
		installed[next.PackageName] = true

		for i, j := range remaining {
			if j.ID == next.ID {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return order
}

func fallbackPick(jobs []*model.Job) *model.Job {
	best := jobs[0]
	for _, j := range jobs[1:] {
		bw, jw := best.Priority.Weight(), j.Priority.Weight()
		switch {
		case jw > bw:
			best = j
		case jw < bw:
		case len(j.Dependencies) < len(best.Dependencies):
			best = j
		case len(j.Dependencies) > len(best.Dependencies):
		case j.SubmittedAt.Before(best.SubmittedAt):
			best = j
		}
	}
	return best
}

// DetectCircularDependencies walks the dependency graph depth first and
// returns every edge that closes a cycle, as (from, to) package pairs.
// Traversal order is fixed by job order and sorted dependency names, so the
// result is deterministic.
func DetectCircularDependencies(jobs []*model.Job) [][2]string {
	g := BuildGraph(jobs)

	roots := make([]string, 0, len(g))
	seen := make(map[string]bool, len(g))
	for _, j := range jobs {
		if !seen[j.PackageName] {
			seen[j.PackageName] = true
			roots = append(roots, j.PackageName)
		}
	}

	visited := make(map[string]bool, len(g))
	var cycles [][2]string

	var walk func(node string, stack map[string]bool)
	walk = func(node string, stack map[string]bool) {
		visited[node] = true
		stack[node] = true
		for _, dep := range sortedKeys(g[node]) {
			if !visited[dep] {
				walk(dep, stack)
			} else if stack[dep] {
				cycles = append(cycles, [2]string{node, dep})
			}
		}
		delete(stack, node)
	}

	for _, root := range roots {
		if !visited[root] {
			walk(root, make(map[string]bool))
		}
	}
	return cycles
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EstimateTotalTime sums the estimated duration of all pending jobs, in
// seconds. Jobs run one at a time, so the queue drains sequentially.
func EstimateTotalTime(jobs []*model.Job) float64 {
	total := 0.0
	for _, j := range jobs {
		if j.Status == model.StatusPending {
			total += j.EstimatedTime
		}
	}
	return total
}
