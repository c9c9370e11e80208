package ensemble_test

import (
	"testing"

	"flotilla/internal/ensemble"
)

func stageWithTask(t *testing.T, stageUID, taskUID string) *ensemble.Stage {
	t.Helper()
	stage := ensemble.NewStage(stageUID, stageUID)
	task := ensemble.NewTask(taskUID, taskUID)
	task.Executable = "/bin/true"
	if err := stage.AddTasks(task); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}
	return stage
}

func TestPipelineAddStagesSetsParents(t *testing.T) {
	pipe := ensemble.NewPipeline("pipe.0000", "p1")
	stage := stageWithTask(t, "stage.0000", "task.000000")

	if err := pipe.AddStages(stage); err != nil {
		t.Fatalf("AddStages failed: %v", err)
	}
	if stage.ParentPipeline != "pipe.0000" {
		t.Fatalf("stage parent pipeline = %q, want pipe.0000", stage.ParentPipeline)
	}
	if got := stage.Tasks()[0].ParentPipeline; got != "pipe.0000" {
		t.Fatalf("task parent pipeline = %q, want pipe.0000", got)
	}
}

func TestPipelineStageProgression(t *testing.T) {
	pipe := ensemble.NewPipeline("pipe.0000", "p1")
	first := stageWithTask(t, "stage.0000", "task.000000")
	second := stageWithTask(t, "stage.0001", "task.000001")
	if err := pipe.AddStages(first, second); err != nil {
		t.Fatalf("AddStages failed: %v", err)
	}

	if got := pipe.ActiveStage(); got != first {
		t.Fatalf("active stage = %v, want first", got)
	}
	if !pipe.AdvanceStage() {
		t.Fatal("AdvanceStage reported exhaustion with a stage remaining")
	}
	if got := pipe.ActiveStage(); got != second {
		t.Fatalf("active stage after advance = %v, want second", got)
	}
	if pipe.AdvanceStage() {
		t.Fatal("AdvanceStage reported another stage past the last one")
	}
	if got := pipe.ActiveStage(); got != nil {
		t.Fatalf("active stage after exhaustion = %v, want nil", got)
	}
}

func TestPipelineInsertAfterActive(t *testing.T) {
	pipe := ensemble.NewPipeline("pipe.0000", "p1")
	first := stageWithTask(t, "stage.0000", "task.000000")
	last := stageWithTask(t, "stage.0001", "task.000001")
	if err := pipe.AddStages(first, last); err != nil {
		t.Fatalf("AddStages failed: %v", err)
	}

	injected := stageWithTask(t, "stage.0002", "task.000002")
	if err := pipe.InsertAfterActive(injected); err != nil {
		t.Fatalf("InsertAfterActive failed: %v", err)
	}

	stages := pipe.Stages()
	if len(stages) != 3 {
		t.Fatalf("pipeline has %d stages, want 3", len(stages))
	}
	if stages[0] != first || stages[1] != injected || stages[2] != last {
		t.Fatalf("stage order = [%s %s %s], want injected in the middle",
			stages[0].UID(), stages[1].UID(), stages[2].UID())
	}
	if injected.ParentPipeline != "pipe.0000" {
		t.Fatalf("injected stage parent = %q, want pipe.0000", injected.ParentPipeline)
	}
}

func TestPipelineSuspendResume(t *testing.T) {
	pipe := ensemble.NewPipeline("pipe.0000", "p1")
	if err := pipe.AddStages(stageWithTask(t, "stage.0000", "task.000000")); err != nil {
		t.Fatalf("AddStages failed: %v", err)
	}

	if pipe.Suspended() {
		t.Fatal("new pipeline reports suspended")
	}
	if err := pipe.Resume(); err == nil {
		t.Fatal("Resume succeeded on a pipeline that was never suspended")
	}
	if err := pipe.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if !pipe.Suspended() {
		t.Fatal("pipeline not suspended after Suspend")
	}
	if err := pipe.Suspend(); err == nil {
		t.Fatal("second Suspend succeeded")
	}
	if err := pipe.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if pipe.Suspended() {
		t.Fatal("pipeline still suspended after Resume")
	}

	if err := pipe.Advance(ensemble.StateRunning); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := pipe.Advance(ensemble.StateDone); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := pipe.Suspend(); err == nil {
		t.Fatal("Suspend succeeded on a terminal pipeline")
	}
}
