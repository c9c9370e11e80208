package manifest_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"flotilla/internal/ensemble"
	"flotilla/internal/ids"
	"flotilla/internal/manifest"
)

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func load(t *testing.T, content string) *manifest.Workflow {
	t.Helper()
	path := writeManifest(t, "workflow.toml", content)
	w, err := manifest.Load(path, ids.NewSource())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return w
}

func loadErr(t *testing.T, content string) error {
	t.Helper()
	path := writeManifest(t, "workflow.toml", content)
	_, err := manifest.Load(path, ids.NewSource())
	if err == nil {
		t.Fatal("Load accepted an invalid manifest")
	}
	return err
}

const fullManifest = `
[workflow]
name = "analysis"

[[pipeline]]
name = "p1"

[[pipeline.stage]]
name = "prepare"

[[pipeline.stage.task]]
name = "fetch"
pre_exec = ["mkdir -p data"]
executable = "/bin/cp"
arguments = ["in.dat", "data/in.dat"]
post_exec = ["wc -l data/in.dat"]
copy_input_data = ["in.dat"]
copy_output_data = ["data/in.dat > staged.dat"]

[[pipeline.stage]]
name = "compute"

[[pipeline.stage.task]]
name = "solve"
executable = "/usr/bin/solver"
[pipeline.stage.task.cpu]
processes = 4
process_type = "MPI"
threads_per_process = 2
thread_type = "OpenMP"

[[pipeline.stage.task]]
name = "observe"
executable = "/usr/bin/probe"

[[pipeline]]
name = "p2"

[[pipeline.stage]]
name = "solo"

[[pipeline.stage.task]]
name = "only"
executable = "/bin/true"
`

func TestLoadBuildsWorkflow(t *testing.T) {
	w := load(t, fullManifest)

	if w.Name != "analysis" {
		t.Fatalf("workflow name = %q, want analysis", w.Name)
	}
	if len(w.Pipelines) != 2 {
		t.Fatalf("got %d pipelines, want 2", len(w.Pipelines))
	}
	if w.TaskCount() != 4 {
		t.Fatalf("TaskCount = %d, want 4", w.TaskCount())
	}

	p1 := w.Pipelines[0]
	if p1.Name != "p1" || p1.UID() != "pipe.0000" {
		t.Fatalf("first pipeline = %s/%s", p1.Name, p1.UID())
	}
	stages := p1.Stages()
	if len(stages) != 2 || stages[0].Name != "prepare" || stages[1].Name != "compute" {
		t.Fatalf("stage order wrong: %+v", stages)
	}

	fetch := stages[0].Tasks()[0]
	if fetch.UID() != "task.000000" {
		t.Fatalf("first task uid = %s", fetch.UID())
	}
	if fetch.Executable != "/bin/cp" || !reflect.DeepEqual(fetch.Arguments, []string{"in.dat", "data/in.dat"}) {
		t.Fatalf("fetch command = %q %v", fetch.Executable, fetch.Arguments)
	}
	if !reflect.DeepEqual(fetch.PreExec, []string{"mkdir -p data"}) {
		t.Fatalf("fetch pre_exec = %v", fetch.PreExec)
	}
	if !reflect.DeepEqual(fetch.CopyOutputData, []string{"data/in.dat > staged.dat"}) {
		t.Fatalf("fetch copy_output_data = %v", fetch.CopyOutputData)
	}
	if fetch.ParentStage != stages[0].UID() || fetch.ParentPipeline != p1.UID() {
		t.Fatalf("fetch parents = %s/%s", fetch.ParentStage, fetch.ParentPipeline)
	}
	if fetch.State() != ensemble.StateInitial {
		t.Fatalf("fetch state = %s, want initial", fetch.State())
	}

	solve := stages[1].Tasks()[0]
	wantCPU := ensemble.ResourceSpec{
		Processes:         4,
		ProcessType:       ensemble.ProcessTypeMPI,
		ThreadsPerProcess: 2,
		ThreadType:        ensemble.ThreadTypeOpenMP,
	}
	if solve.CPUReqs != wantCPU {
		t.Fatalf("solve cpu = %+v, want %+v", solve.CPUReqs, wantCPU)
	}

	observe := stages[1].Tasks()[1]
	if observe.CPUReqs != ensemble.DefaultCPUSpec() {
		t.Fatalf("task without cpu section = %+v, want default", observe.CPUReqs)
	}
	if observe.GPUReqs.Processes != 0 {
		t.Fatalf("task without gpu section requests %d gpus", observe.GPUReqs.Processes)
	}
}

func TestLoadAcceptsSpelledOutNoneVariants(t *testing.T) {
	w := load(t, `
[[pipeline]]
[[pipeline.stage]]
[[pipeline.stage.task]]
executable = "/usr/bin/solver"
[pipeline.stage.task.cpu]
processes = 2
process_type = "none"
thread_type = "None"
`)
	task := w.Pipelines[0].Stages()[0].Tasks()[0]
	if task.CPUReqs.ProcessType != ensemble.ProcessTypeNone {
		t.Fatalf("process_type = %q, want none", task.CPUReqs.ProcessType)
	}
	if task.CPUReqs.ThreadType != ensemble.ThreadTypeNone {
		t.Fatalf("thread_type = %q, want none", task.CPUReqs.ThreadType)
	}
}

func TestLoadDefaultsPartialResourceCounts(t *testing.T) {
	w := load(t, `
[[pipeline]]
[[pipeline.stage]]
[[pipeline.stage.task]]
executable = "/usr/bin/solver"
[pipeline.stage.task.cpu]
processes = 4
`)
	task := w.Pipelines[0].Stages()[0].Tasks()[0]
	if task.CPUReqs.Processes != 4 || task.CPUReqs.ThreadsPerProcess != 1 {
		t.Fatalf("cpu = %+v, want 4 processes with 1 thread each", task.CPUReqs)
	}
}

func TestLoadDefaultsWorkflowNameFromFile(t *testing.T) {
	path := writeManifest(t, "nightly-sweep.toml", `
[[pipeline]]
[[pipeline.stage]]
[[pipeline.stage.task]]
executable = "/bin/true"
`)
	w, err := manifest.Load(path, ids.NewSource())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if w.Name != "nightly-sweep" {
		t.Fatalf("workflow name = %q, want nightly-sweep", w.Name)
	}
}

func TestLoadAllowsEmptyExecutable(t *testing.T) {
	w := load(t, `
[[pipeline]]
[[pipeline.stage]]
[[pipeline.stage.task]]
name = "described-later"
`)
	task := w.Pipelines[0].Stages()[0].Tasks()[0]
	if task.Executable != "" {
		t.Fatalf("executable = %q, want empty", task.Executable)
	}
	if err := task.Validate(); err == nil {
		t.Fatal("empty executable should still fail scheduling validation")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := manifest.Load(filepath.Join(t.TempDir(), "absent.toml"), ids.NewSource())
	if err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestLoadRejectsSyntaxError(t *testing.T) {
	err := loadErr(t, "[[pipeline]\nname = \"broken\"\n")
	if !strings.Contains(err.Error(), "line") {
		t.Fatalf("parse error lacks position context: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	err := loadErr(t, `
[[pipeline]]
[[pipeline.stage]]
[[pipeline.stage.task]]
excutable = "/bin/true"
`)
	if !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("strict decode error missing: %v", err)
	}
}

func TestLoadRejectsStructuralGaps(t *testing.T) {
	cases := []struct {
		name, content, want string
	}{
		{"no pipelines", "[workflow]\nname = \"empty\"\n", "no pipelines"},
		{"pipeline without stages", "[[pipeline]]\nname = \"p1\"\n", "no stages"},
		{"stage without tasks", "[[pipeline]]\n[[pipeline.stage]]\nname = \"s1\"\n", "no tasks"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := loadErr(t, tc.content)
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsBadResourceSpec(t *testing.T) {
	err := loadErr(t, `
[[pipeline]]
name = "p1"
[[pipeline.stage]]
name = "s1"
[[pipeline.stage.task]]
name = "t1"
executable = "/bin/true"
[pipeline.stage.task.cpu]
processes = 2
process_type = "SLURM"
`)
	if !strings.Contains(err.Error(), "process_type") {
		t.Fatalf("error %q does not name the bad field", err)
	}
	if !strings.Contains(err.Error(), `"p1"`) || !strings.Contains(err.Error(), `"t1"`) {
		t.Fatalf("error %q does not locate the task", err)
	}
}

func TestLoadMintsSequentialIDs(t *testing.T) {
	w := load(t, fullManifest)
	var taskIDs []string
	for _, pipe := range w.Pipelines {
		for _, stage := range pipe.Stages() {
			for _, task := range stage.Tasks() {
				taskIDs = append(taskIDs, task.UID())
			}
		}
	}
	want := []string{"task.000000", "task.000001", "task.000002", "task.000003"}
	if !reflect.DeepEqual(taskIDs, want) {
		t.Fatalf("task ids = %v, want %v", taskIDs, want)
	}
	if uid := w.Pipelines[1].UID(); uid != "pipe.0001" {
		t.Fatalf("second pipeline uid = %s, want pipe.0001", uid)
	}
}
