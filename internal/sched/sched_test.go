package sched

import (
	"math"
	"testing"
	"time"

	"github.com/hpcops/spackq/internal/model"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mkJob(id int64, pkg string, prio model.Priority, deps []string, est float64) *model.Job {
	return &model.Job{
		ID:            id,
		PackageName:   pkg,
		Priority:      prio,
		Status:        model.StatusPending,
		Dependencies:  deps,
		EstimatedTime: est,
		SubmittedAt:   base,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		jobs []*model.Job
		id   int64
		now  time.Time
		want float64
	}{
		{
			name: "medium baseline",
			jobs: []*model.Job{mkJob(1, "zlib", model.PriorityMedium, nil, 0)},
			id:   1,
			now:  base,
			want: 200,
		},
		{
			name: "high priority",
			jobs: []*model.Job{mkJob(1, "zlib", model.PriorityHigh, nil, 0)},
			id:   1,
			now:  base,
			want: 100,
		},
		{
			name: "low priority",
			jobs: []*model.Job{mkJob(1, "zlib", model.PriorityLow, nil, 0)},
			id:   1,
			now:  base,
			want: 300,
		},
		{
			name: "dependencies cost ten each",
			jobs: []*model.Job{mkJob(1, "hdf5", model.PriorityMedium, []string{"zlib", "cmake"}, 0)},
			id:   1,
			now:  base,
			want: 220,
		},
		{
			name: "estimated hour adds five",
			jobs: []*model.Job{mkJob(1, "zlib", model.PriorityMedium, nil, 3600)},
			id:   1,
			now:  base,
			want: 205,
		},
		{
			name: "estimate capped at two hours",
			jobs: []*model.Job{mkJob(1, "llvm", model.PriorityMedium, nil, 36000)},
			id:   1,
			now:  base,
			want: 210,
		},
		{
			name: "age earns two per hour",
			jobs: []*model.Job{mkJob(1, "zlib", model.PriorityMedium, nil, 0)},
			id:   1,
			now:  base.Add(2 * time.Hour),
			want: 196,
		},
		{
			name: "age capped at a day",
			jobs: []*model.Job{mkJob(1, "zlib", model.PriorityMedium, nil, 0)},
			id:   1,
			now:  base.Add(48 * time.Hour),
			want: 152,
		},
		{
			name: "unlocking dependents earns fifteen each",
			jobs: []*model.Job{
				mkJob(1, "zlib", model.PriorityMedium, nil, 0),
				mkJob(2, "hdf5", model.PriorityMedium, []string{"zlib"}, 0),
				mkJob(3, "netcdf", model.PriorityMedium, []string{"zlib"}, 0),
			},
			id:   1,
			now:  base,
			want: 170,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := BuildGraph(tt.jobs)
			var job *model.Job
			for _, j := range tt.jobs {
				if j.ID == tt.id {
					job = j
				}
			}
			if got := Score(job, g, tt.now); !almostEqual(got, tt.want) {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextJob_Empty(t *testing.T) {
	if got := NextJob(nil, nil, base); got != nil {
		t.Errorf("NextJob(nil) = %v, want nil", got)
	}

	done := mkJob(1, "zlib", model.PriorityHigh, nil, 0)
	done.Status = model.StatusCompleted
	if got := NextJob([]*model.Job{done}, nil, base); got != nil {
		t.Errorf("NextJob with no pending jobs = %v, want nil", got)
	}
}

func TestNextJob_DependencyGating(t *testing.T) {
	jobs := []*model.Job{mkJob(1, "hdf5", model.PriorityHigh, []string{"zlib"}, 0)}

	if got := NextJob(jobs, map[string]bool{}, base); got != nil {
		t.Errorf("job with unmet dependency picked: %v", got)
	}
	got := NextJob(jobs, map[string]bool{"zlib": true}, base)
	if got == nil || got.ID != 1 {
		t.Errorf("job with met dependency not picked, got %v", got)
	}
}

func TestNextJob_PriorityWins(t *testing.T) {
	jobs := []*model.Job{
		mkJob(1, "zlib", model.PriorityLow, nil, 0),
		mkJob(2, "hdf5", model.PriorityHigh, nil, 0),
		mkJob(3, "cmake", model.PriorityMedium, nil, 0),
	}
	got := NextJob(jobs, nil, base)
	if got == nil || got.PackageName != "hdf5" {
		t.Errorf("NextJob = %v, want hdf5", got)
	}
}

func TestNextJob_TieGoesToLowerID(t *testing.T) {
	jobs := []*model.Job{
		mkJob(2, "hdf5", model.PriorityMedium, nil, 600),
		mkJob(1, "zlib", model.PriorityMedium, nil, 600),
	}
	got := NextJob(jobs, nil, base)
	if got == nil || got.ID != 1 {
		t.Errorf("NextJob = %v, want job 1", got)
	}
}

func TestNextJob_PrefersUnblockingJobs(t *testing.T) {
	jobs := []*model.Job{
		mkJob(1, "gmake", model.PriorityMedium, nil, 600),
		mkJob(2, "zlib", model.PriorityMedium, nil, 600),
		mkJob(3, "hdf5", model.PriorityMedium, []string{"zlib"}, 600),
	}
	got := NextJob(jobs, nil, base)
	if got == nil || got.PackageName != "zlib" {
		t.Errorf("NextJob = %v, want zlib (unblocks hdf5)", got)
	}
}

func TestOptimizeOrder_Chain(t *testing.T) {
	// Passed in reverse to prove ordering comes from the simulation.
	jobs := []*model.Job{
		mkJob(3, "netcdf", model.PriorityMedium, []string{"hdf5"}, 600),
		mkJob(2, "hdf5", model.PriorityMedium, []string{"zlib"}, 600),
		mkJob(1, "zlib", model.PriorityMedium, nil, 600),
	}
	order := OptimizeOrder(jobs, base)
	want := []string{"zlib", "hdf5", "netcdf"}
	if len(order) != len(want) {
		t.Fatalf("OptimizeOrder returned %d jobs, want %d", len(order), len(want))
	}
	for i, pkg := range want {
		if order[i].PackageName != pkg {
			t.Errorf("order[%d] = %q, want %q", i, order[i].PackageName, pkg)
		}
	}
}

func TestOptimizeOrder_CycleFallback(t *testing.T) {
	jobs := []*model.Job{
		mkJob(1, "a", model.PriorityHigh, []string{"b"}, 600),
		mkJob(2, "b", model.PriorityMedium, []string{"a"}, 600),
	}
	order := OptimizeOrder(jobs, base)
	if len(order) != 2 {
		t.Fatalf("OptimizeOrder returned %d jobs, want 2", len(order))
	}
	// Nothing is ready, the fallback picks the higher priority job first;
	// installing it frees the other.
	if order[0].PackageName != "a" || order[1].PackageName != "b" {
		t.Errorf("order = [%s, %s], want [a, b]", order[0].PackageName, order[1].PackageName)
	}
}

func TestOptimizeOrder_FallbackFewestDeps(t *testing.T) {
	jobs := []*model.Job{
		mkJob(1, "x", model.PriorityMedium, []string{"y"}, 600),
		mkJob(2, "y", model.PriorityMedium, []string{"x", "external"}, 600),
	}
	order := OptimizeOrder(jobs, base)
	if len(order) != 2 {
		t.Fatalf("OptimizeOrder returned %d jobs, want 2", len(order))
	}
	if order[0].PackageName != "x" || order[1].PackageName != "y" {
		t.Errorf("order = [%s, %s], want [x, y]", order[0].PackageName, order[1].PackageName)
	}
}

func TestOptimizeOrder_FallbackOldestFirst(t *testing.T) {
	older := mkJob(1, "p", model.PriorityMedium, []string{"q"}, 600)
	older.SubmittedAt = base.Add(-time.Hour)
	newer := mkJob(2, "q", model.PriorityMedium, []string{"p"}, 600)

	order := OptimizeOrder([]*model.Job{newer, older}, base)
	if len(order) != 2 || order[0].PackageName != "p" {
		t.Errorf("expected the older job first, got %v", order)
	}
}

func TestOptimizeOrder_Empty(t *testing.T) {
	if got := OptimizeOrder(nil, base); got != nil {
		t.Errorf("OptimizeOrder(nil) = %v, want nil", got)
	}
}

func TestDetectCircularDependencies(t *testing.T) {
	tests := []struct {
		name string
		jobs []*model.Job
		want [][2]string
	}{
		{
			name: "no cycle",
			jobs: []*model.Job{
				mkJob(1, "zlib", model.PriorityMedium, nil, 0),
				mkJob(2, "hdf5", model.PriorityMedium, []string{"zlib"}, 0),
			},
			want: nil,
		},
		{
			name: "two package cycle",
			jobs: []*model.Job{
				mkJob(1, "a", model.PriorityMedium, []string{"b"}, 0),
				mkJob(2, "b", model.PriorityMedium, []string{"a"}, 0),
			},
			want: [][2]string{{"b", "a"}},
		},
		{
			name: "self dependency",
			jobs: []*model.Job{
				mkJob(1, "a", model.PriorityMedium, []string{"a"}, 0),
			},
			want: [][2]string{{"a", "a"}},
		},
		{
			name: "diamond is acyclic",
			jobs: []*model.Job{
				mkJob(1, "a", model.PriorityMedium, nil, 0),
				mkJob(2, "b", model.PriorityMedium, []string{"a"}, 0),
				mkJob(3, "c", model.PriorityMedium, []string{"a"}, 0),
				mkJob(4, "d", model.PriorityMedium, []string{"b", "c"}, 0),
			},
			want: nil,
		},
		{
			name: "independent cycles",
			jobs: []*model.Job{
				mkJob(1, "a", model.PriorityMedium, []string{"b"}, 0),
				mkJob(2, "b", model.PriorityMedium, []string{"a"}, 0),
				mkJob(3, "c", model.PriorityMedium, []string{"d"}, 0),
				mkJob(4, "d", model.PriorityMedium, []string{"c"}, 0),
			},
			want: [][2]string{{"b", "a"}, {"d", "c"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectCircularDependencies(tt.jobs)
			if len(got) != len(tt.want) {
				t.Fatalf("DetectCircularDependencies() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("cycle[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEstimateTotalTime(t *testing.T) {
	running := mkJob(3, "openmpi", model.PriorityMedium, nil, 9999)
	running.Status = model.StatusRunning
	jobs := []*model.Job{
		mkJob(1, "zlib", model.PriorityMedium, nil, 300),
		mkJob(2, "hdf5", model.PriorityMedium, nil, 1200),
		running,
	}
	if got := EstimateTotalTime(jobs); !almostEqual(got, 1500) {
		t.Errorf("EstimateTotalTime() = %v, want 1500", got)
	}
	if got := EstimateTotalTime(nil); got != 0 {
		t.Errorf("EstimateTotalTime(nil) = %v, want 0", got)
	}
}

func TestBuildGraph_DuplicatePackageKeepsLast(t *testing.T) {
	jobs := []*model.Job{
		mkJob(1, "hdf5", model.PriorityMedium, []string{"zlib"}, 0),
		mkJob(2, "hdf5", model.PriorityMedium, []string{"cmake"}, 0),
	}
	g := BuildGraph(jobs)
	if g["hdf5"]["zlib"] {
		t.Error(`graph kept the first job's dependencies, want the last's`)
	}
	if !g["hdf5"]["cmake"] {
		t.Error(`graph missing the last job's dependency "cmake"`)
	}
}
