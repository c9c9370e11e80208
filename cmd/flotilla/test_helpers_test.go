package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flotilla/internal/config"
	"flotilla/internal/ensemble"
	"flotilla/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	return &cliTestEnv{
		cfg:        cfg,
		configPath: testsupport.WriteConfig(t, cfg),
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.toml")
	testsupport.WriteFile(t, path, contents)
	return path
}

func decodeReport(t *testing.T, out string) []ensemble.PipelineRecord {
	t.Helper()
	var records []ensemble.PipelineRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("decode report JSON: %v\noutput: %q", err, out)
	}
	return records
}

func findTask(t *testing.T, records []ensemble.PipelineRecord, name string) ensemble.TaskRecord {
	t.Helper()
	for _, pipe := range records {
		for _, stage := range pipe.Stages {
			for _, task := range stage.Tasks {
				if task.Name == name {
					return task
				}
			}
		}
	}
	t.Fatalf("task %q not found in report", name)
	return ensemble.TaskRecord{}
}

func findSessionDir(t *testing.T, workDir string) string {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "run.") {
			return filepath.Join(workDir, entry.Name())
		}
	}
	t.Fatalf("no session directory under %s", workDir)
	return ""
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
