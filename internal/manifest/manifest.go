package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"flotilla/internal/ensemble"
	"flotilla/internal/ids"
)

// Workflow is a parsed manifest realized as ensemble entities.
type Workflow struct {
	Name      string
	Pipelines []*ensemble.Pipeline
}

// TaskCount sums the tasks across every pipeline and stage.
func (w *Workflow) TaskCount() int {
	total := 0
	for _, pipe := range w.Pipelines {
		for _, stage := range pipe.Stages() {
			total += len(stage.Tasks())
		}
	}
	return total
}

type document struct {
	Workflow workflowMeta   `toml:"workflow"`
	Pipeline []pipelineSpec `toml:"pipeline"`
}

type workflowMeta struct {
	Name string `toml:"name"`
}

type pipelineSpec struct {
	Name  string      `toml:"name"`
	Stage []stageSpec `toml:"stage"`
}

type stageSpec struct {
	Name string     `toml:"name"`
	Task []taskSpec `toml:"task"`
}

type taskSpec struct {
	Name               string        `toml:"name"`
	PreExec            []string      `toml:"pre_exec"`
	Executable         string        `toml:"executable"`
	Arguments          []string      `toml:"arguments"`
	PostExec           []string      `toml:"post_exec"`
	CPU                *resourceSpec `toml:"cpu"`
	GPU                *resourceSpec `toml:"gpu"`
	UploadInputData    []string      `toml:"upload_input_data"`
	CopyInputData      []string      `toml:"copy_input_data"`
	LinkInputData      []string      `toml:"link_input_data"`
	CopyOutputData     []string      `toml:"copy_output_data"`
	DownloadOutputData []string      `toml:"download_output_data"`
}

type resourceSpec struct {
	Processes         int    `toml:"processes"`
	ProcessType       string `toml:"process_type"`
	ThreadsPerProcess int    `toml:"threads_per_process"`
	ThreadType        string `toml:"thread_type"`
}

// Load reads, parses, and validates a manifest file, minting entity ids from
// the given source.
func Load(path string, source *ids.Source) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	doc, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if err := validate(doc); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	name := strings.TrimSpace(doc.Workflow.Name)
	if name == "" {
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	workflow := &Workflow{Name: name}
	for _, pipeSpec := range doc.Pipeline {
		pipe := ensemble.NewPipeline(source.Pipeline(), pipeSpec.Name)
		for _, stgSpec := range pipeSpec.Stage {
			stage := ensemble.NewStage(source.Stage(), stgSpec.Name)
			for _, tskSpec := range stgSpec.Task {
				if err := stage.AddTasks(buildTask(source.Task(), tskSpec)); err != nil {
					return nil, fmt.Errorf("manifest %s: %w", path, err)
				}
			}
			if err := pipe.AddStages(stage); err != nil {
				return nil, fmt.Errorf("manifest %s: %w", path, err)
			}
		}
		workflow.Pipelines = append(workflow.Pipelines, pipe)
	}
	return workflow, nil
}

func decode(data []byte) (document, error) {
	var doc document
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return doc, fmt.Errorf("parse error at line %d column %d:\n%s", row, col, decodeErr.String())
		}
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return doc, fmt.Errorf("unknown keys:\n%s", strictErr.String())
		}
		return doc, fmt.Errorf("parse: %w", err)
	}
	return doc, nil
}

func validate(doc document) error {
	if len(doc.Pipeline) == 0 {
		return errors.New("no pipelines defined")
	}
	for i, pipe := range doc.Pipeline {
		if len(pipe.Stage) == 0 {
			return fmt.Errorf("pipeline %s: no stages defined", position(i, pipe.Name))
		}
		for j, stage := range pipe.Stage {
			if len(stage.Task) == 0 {
				return fmt.Errorf("pipeline %s stage %s: no tasks defined",
					position(i, pipe.Name), position(j, stage.Name))
			}
			for k, task := range stage.Task {
				where := fmt.Sprintf("pipeline %s stage %s task %s",
					position(i, pipe.Name), position(j, stage.Name), position(k, task.Name))
				if spec := task.CPU; spec != nil {
					if err := resolveResources(*spec, 1).Validate(); err != nil {
						return fmt.Errorf("%s: cpu: %w", where, err)
					}
				}
				if spec := task.GPU; spec != nil {
					if err := resolveResources(*spec, 0).Validate(); err != nil {
						return fmt.Errorf("%s: gpu: %w", where, err)
					}
				}
			}
		}
	}
	return nil
}

func position(index int, name string) string {
	if strings.TrimSpace(name) != "" {
		return fmt.Sprintf("#%d (%q)", index+1, name)
	}
	return fmt.Sprintf("#%d", index+1)
}

func buildTask(uid string, spec taskSpec) *ensemble.Task {
	task := ensemble.NewTask(uid, spec.Name)
	task.PreExec = spec.PreExec
	task.Executable = spec.Executable
	task.Arguments = spec.Arguments
	task.PostExec = spec.PostExec
	if spec.CPU != nil {
		task.CPUReqs = resolveResources(*spec.CPU, 1)
	}
	if spec.GPU != nil {
		task.GPUReqs = resolveResources(*spec.GPU, 0)
	}
	task.UploadInputData = spec.UploadInputData
	task.CopyInputData = spec.CopyInputData
	task.LinkInputData = spec.LinkInputData
	task.CopyOutputData = spec.CopyOutputData
	task.DownloadOutputData = spec.DownloadOutputData
	return task
}

// resolveResources fills omitted counts. CPU requests default to one process
// with one thread; GPU requests default to none.
func resolveResources(spec resourceSpec, defaultCount int) ensemble.ResourceSpec {
	resolved := ensemble.ResourceSpec{
		Processes:         spec.Processes,
		ProcessType:       parseProcessType(spec.ProcessType),
		ThreadsPerProcess: spec.ThreadsPerProcess,
		ThreadType:        parseThreadType(spec.ThreadType),
	}
	if resolved.Processes == 0 {
		resolved.Processes = defaultCount
	}
	if resolved.ThreadsPerProcess == 0 && resolved.Processes > 0 {
		resolved.ThreadsPerProcess = 1
	}
	return resolved
}

// Enum values are matched case-insensitively; "none" and an omitted value
// both mean no launcher. Anything else passes through for Validate to
// reject with the offending text intact.
func parseProcessType(value string) ensemble.ProcessType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return ensemble.ProcessTypeNone
	case "mpi":
		return ensemble.ProcessTypeMPI
	default:
		return ensemble.ProcessType(value)
	}
}

func parseThreadType(value string) ensemble.ThreadType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return ensemble.ThreadTypeNone
	case "openmp":
		return ensemble.ThreadTypeOpenMP
	default:
		return ensemble.ThreadType(value)
	}
}
