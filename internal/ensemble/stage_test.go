package ensemble_test

import (
	"testing"

	"flotilla/internal/ensemble"
)

func TestStageAddTasksSetsParents(t *testing.T) {
	stage := ensemble.NewStage("stage.0000", "s1")
	task := ensemble.NewTask("task.000000", "t1")

	if err := stage.AddTasks(task); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}
	if task.ParentStage != "stage.0000" {
		t.Fatalf("parent stage = %q, want stage.0000", task.ParentStage)
	}
	if err := stage.AddTasks(task); err == nil {
		t.Fatal("AddTasks accepted duplicate uid")
	}
	if got := len(stage.Tasks()); got != 1 {
		t.Fatalf("stage has %d tasks, want 1", got)
	}
}

func terminalTask(t *testing.T, uid string, final ensemble.State) *ensemble.Task {
	t.Helper()
	task := ensemble.NewTask(uid, uid)
	task.Executable = "/bin/true"
	if final == ensemble.StateCanceled {
		if err := task.Advance(ensemble.StateCanceled); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		return task
	}
	mustAdvance(t, task,
		ensemble.StateScheduling,
		ensemble.StateScheduled,
		ensemble.StateSubmitting,
		ensemble.StateSubmitted,
		ensemble.StateExecuting,
		final,
	)
	return task
}

func inflightTask(t *testing.T, uid string) *ensemble.Task {
	t.Helper()
	task := ensemble.NewTask(uid, uid)
	task.Executable = "/bin/true"
	mustAdvance(t, task, ensemble.StateScheduling, ensemble.StateScheduled, ensemble.StateSubmitting, ensemble.StateSubmitted)
	return task
}

func TestStageAggregate(t *testing.T) {
	tests := []struct {
		name        string
		tasks       func(t *testing.T) []*ensemble.Task
		policy      ensemble.Policy
		wantState   ensemble.State
		wantSettled bool
	}{
		{
			name: "all done",
			tasks: func(t *testing.T) []*ensemble.Task {
				return []*ensemble.Task{
					terminalTask(t, "task.000000", ensemble.StateDone),
					terminalTask(t, "task.000001", ensemble.StateDone),
				}
			},
			policy:      ensemble.PolicyFailFast,
			wantState:   ensemble.StateDone,
			wantSettled: true,
		},
		{
			name: "in flight stays running",
			tasks: func(t *testing.T) []*ensemble.Task {
				return []*ensemble.Task{
					terminalTask(t, "task.000000", ensemble.StateDone),
					inflightTask(t, "task.000001"),
				}
			},
			policy:      ensemble.PolicyFailFast,
			wantState:   ensemble.StateRunning,
			wantSettled: false,
		},
		{
			name: "fail fast settles with tasks in flight",
			tasks: func(t *testing.T) []*ensemble.Task {
				return []*ensemble.Task{
					terminalTask(t, "task.000000", ensemble.StateFailed),
					inflightTask(t, "task.000001"),
				}
			},
			policy:      ensemble.PolicyFailFast,
			wantState:   ensemble.StateFailed,
			wantSettled: true,
		},
		{
			name: "best effort waits for stragglers",
			tasks: func(t *testing.T) []*ensemble.Task {
				return []*ensemble.Task{
					terminalTask(t, "task.000000", ensemble.StateFailed),
					inflightTask(t, "task.000001"),
				}
			},
			policy:      ensemble.PolicyBestEffort,
			wantState:   ensemble.StateRunning,
			wantSettled: false,
		},
		{
			name: "best effort fails once settled",
			tasks: func(t *testing.T) []*ensemble.Task {
				return []*ensemble.Task{
					terminalTask(t, "task.000000", ensemble.StateFailed),
					terminalTask(t, "task.000001", ensemble.StateDone),
				}
			},
			policy:      ensemble.PolicyBestEffort,
			wantState:   ensemble.StateFailed,
			wantSettled: true,
		},
		{
			name: "done and canceled mix is done",
			tasks: func(t *testing.T) []*ensemble.Task {
				return []*ensemble.Task{
					terminalTask(t, "task.000000", ensemble.StateDone),
					terminalTask(t, "task.000001", ensemble.StateCanceled),
				}
			},
			policy:      ensemble.PolicyFailFast,
			wantState:   ensemble.StateDone,
			wantSettled: true,
		},
		{
			name: "all canceled",
			tasks: func(t *testing.T) []*ensemble.Task {
				return []*ensemble.Task{
					terminalTask(t, "task.000000", ensemble.StateCanceled),
					terminalTask(t, "task.000001", ensemble.StateCanceled),
				}
			},
			policy:      ensemble.PolicyFailFast,
			wantState:   ensemble.StateCanceled,
			wantSettled: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stage := ensemble.NewStage("stage.0000", "s1")
			if err := stage.AddTasks(tc.tasks(t)...); err != nil {
				t.Fatalf("AddTasks failed: %v", err)
			}

			state, settled := stage.Aggregate(tc.policy)
			if state != tc.wantState || settled != tc.wantSettled {
				t.Fatalf("Aggregate = (%s, %v), want (%s, %v)", state, settled, tc.wantState, tc.wantSettled)
			}

			// recomputation reads task states only, so it must be idempotent
			again, settledAgain := stage.Aggregate(tc.policy)
			if again != state || settledAgain != settled {
				t.Fatalf("second Aggregate = (%s, %v), differs from first (%s, %v)", again, settledAgain, state, settled)
			}
		})
	}
}

func TestStageAdvance(t *testing.T) {
	stage := ensemble.NewStage("stage.0000", "s1")
	if err := stage.Advance(ensemble.StateRunning); err != nil {
		t.Fatalf("Advance to running failed: %v", err)
	}
	if err := stage.Advance(ensemble.StateDone); err != nil {
		t.Fatalf("Advance to done failed: %v", err)
	}
	if err := stage.Advance(ensemble.StateRunning); err == nil {
		t.Fatal("Advance out of terminal state succeeded")
	}
	states := ensemble.HistoryStates(stage.History())
	if len(states) != 3 || states[0] != ensemble.StateInitial {
		t.Fatalf("stage history = %v", states)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, ok := ensemble.ParsePolicy(" Fail_Fast "); !ok || p != ensemble.PolicyFailFast {
		t.Fatalf("ParsePolicy fail_fast = (%q, %v)", p, ok)
	}
	if p, ok := ensemble.ParsePolicy("best_effort"); !ok || p != ensemble.PolicyBestEffort {
		t.Fatalf("ParsePolicy best_effort = (%q, %v)", p, ok)
	}
	if _, ok := ensemble.ParsePolicy("lenient"); ok {
		t.Fatal("ParsePolicy accepted unknown policy")
	}
}
