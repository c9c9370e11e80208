package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flotilla/internal/ids"
	"flotilla/internal/manifest"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "validate <manifest>",
		Short:       "Parse a workflow manifest and report its structure",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			workflow, err := manifest.Load(args[0], ids.NewSource())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow: %s\n", workflow.Name)
			for _, pipe := range workflow.Pipelines {
				stages := pipe.Stages()
				tasks := 0
				for _, stage := range stages {
					tasks += len(stage.Tasks())
				}
				fmt.Fprintf(out, "  %s  %s (%d stages, %d tasks)\n", pipe.UID(), pipe.Name, len(stages), tasks)
				for _, stage := range stages {
					fmt.Fprintf(out, "    %s  %s (%d tasks)\n", stage.UID(), stage.Name, len(stage.Tasks()))
				}
			}
			fmt.Fprintf(out, "Manifest valid: %d pipelines, %d tasks\n", len(workflow.Pipelines), workflow.TaskCount())
			return nil
		},
	}
}
