package ensemble

import (
	"encoding/json"
	"fmt"
)

// TaskRecord is the lossless wire and disk form of a task. Key names are
// part of the persisted contract; changing them breaks stored journals and
// in-flight queues.
type TaskRecord struct {
	UID                string         `json:"uid"`
	Name               string         `json:"name"`
	State              State          `json:"state"`
	StateHistory       []HistoryEntry `json:"state_history"`
	PreExec            []string       `json:"pre_exec"`
	Executable         string         `json:"executable"`
	Arguments          []string       `json:"arguments"`
	PostExec           []string       `json:"post_exec"`
	CPUReqs            ResourceSpec   `json:"cpu_reqs"`
	GPUReqs            ResourceSpec   `json:"gpu_reqs"`
	UploadInputData    []string       `json:"upload_input_data"`
	CopyInputData      []string       `json:"copy_input_data"`
	LinkInputData      []string       `json:"link_input_data"`
	CopyOutputData     []string       `json:"copy_output_data"`
	DownloadOutputData []string       `json:"download_output_data"`
	ExitCode           *int           `json:"exit_code"`
	Path               string         `json:"path"`
	ParentStage        string         `json:"parent_stage"`
	ParentPipeline     string         `json:"parent_pipeline"`
}

// StageRecord is the snapshot form of a stage, tasks included.
type StageRecord struct {
	UID            string         `json:"uid"`
	Name           string         `json:"name"`
	State          State          `json:"state"`
	StateHistory   []HistoryEntry `json:"state_history"`
	ParentPipeline string         `json:"parent_pipeline"`
	Tasks          []TaskRecord   `json:"tasks"`
}

// PipelineRecord is the snapshot form of a pipeline, stages included.
type PipelineRecord struct {
	UID          string         `json:"uid"`
	Name         string         `json:"name"`
	State        State          `json:"state"`
	StateHistory []HistoryEntry `json:"state_history"`
	Suspended    bool           `json:"suspended"`
	Stages       []StageRecord  `json:"stages"`
}

// Record exports the task with every field copied.
func (t *Task) Record() TaskRecord {
	rec := TaskRecord{
		UID:                t.uid,
		Name:               t.Name,
		State:              t.state,
		StateHistory:       t.History(),
		PreExec:            cloneStrings(t.PreExec),
		Executable:         t.Executable,
		Arguments:          cloneStrings(t.Arguments),
		PostExec:           cloneStrings(t.PostExec),
		CPUReqs:            t.CPUReqs,
		GPUReqs:            t.GPUReqs,
		UploadInputData:    cloneStrings(t.UploadInputData),
		CopyInputData:      cloneStrings(t.CopyInputData),
		LinkInputData:      cloneStrings(t.LinkInputData),
		CopyOutputData:     cloneStrings(t.CopyOutputData),
		DownloadOutputData: cloneStrings(t.DownloadOutputData),
		Path:               t.Path,
		ParentStage:        t.ParentStage,
		ParentPipeline:     t.ParentPipeline,
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		rec.ExitCode = &code
	}
	return rec
}

// FromRecord reconstructs a task from its record form.
func FromRecord(rec TaskRecord) (*Task, error) {
	if rec.UID == "" {
		return nil, fmt.Errorf("task record missing uid")
	}
	state := rec.State
	if state == "" {
		state = StateInitial
	}
	if _, ok := ParseState(string(state)); !ok {
		return nil, fmt.Errorf("task record %s: unknown state %q", rec.UID, rec.State)
	}
	history := make([]HistoryEntry, len(rec.StateHistory))
	copy(history, rec.StateHistory)
	if len(history) == 0 {
		history = appendHistory(nil, state)
	}
	if history[0].State != StateInitial {
		return nil, fmt.Errorf("task record %s: history starts at %q, not %q", rec.UID, history[0].State, StateInitial)
	}

	task := &Task{
		uid:                rec.UID,
		Name:               rec.Name,
		state:              state,
		history:            history,
		PreExec:            cloneStrings(rec.PreExec),
		Executable:         rec.Executable,
		Arguments:          cloneStrings(rec.Arguments),
		PostExec:           cloneStrings(rec.PostExec),
		CPUReqs:            rec.CPUReqs,
		GPUReqs:            rec.GPUReqs,
		UploadInputData:    cloneStrings(rec.UploadInputData),
		CopyInputData:      cloneStrings(rec.CopyInputData),
		LinkInputData:      cloneStrings(rec.LinkInputData),
		CopyOutputData:     cloneStrings(rec.CopyOutputData),
		DownloadOutputData: cloneStrings(rec.DownloadOutputData),
		Path:               rec.Path,
		ParentStage:        rec.ParentStage,
		ParentPipeline:     rec.ParentPipeline,
	}
	if rec.ExitCode != nil {
		code := *rec.ExitCode
		task.ExitCode = &code
	}
	return task, nil
}

// EncodeTask marshals the task's record form for queue transport.
func EncodeTask(t *Task) ([]byte, error) {
	return json.Marshal(t.Record())
}

// DecodeTaskRecord unmarshals a queue payload back into a record.
func DecodeTaskRecord(data []byte) (TaskRecord, error) {
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TaskRecord{}, fmt.Errorf("decode task record: %w", err)
	}
	if rec.UID == "" {
		return TaskRecord{}, fmt.Errorf("decode task record: missing uid")
	}
	return rec, nil
}

// Record exports the stage and its tasks.
func (s *Stage) Record() StageRecord {
	rec := StageRecord{
		UID:            s.uid,
		Name:           s.Name,
		State:          s.state,
		StateHistory:   s.History(),
		ParentPipeline: s.ParentPipeline,
		Tasks:          make([]TaskRecord, 0, len(s.tasks)),
	}
	for _, task := range s.tasks {
		rec.Tasks = append(rec.Tasks, task.Record())
	}
	return rec
}

// Record exports the pipeline and its stages.
func (p *Pipeline) Record() PipelineRecord {
	rec := PipelineRecord{
		UID:          p.uid,
		Name:         p.Name,
		State:        p.state,
		StateHistory: p.History(),
		Suspended:    p.suspended,
		Stages:       make([]StageRecord, 0, len(p.stages)),
	}
	for _, stage := range p.stages {
		rec.Stages = append(rec.Stages, stage.Record())
	}
	return rec
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	cp := make([]string, len(values))
	copy(cp, values)
	return cp
}
