package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/diagram"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <definition-file>",
		Short: "Render a definition as ASCII, Mermaid, SVG or PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			executionID, _ := cmd.Flags().GetString("execution")
			outPath, _ := cmd.Flags().GetString("out")

			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}

			var results []*schema.StepResult
			if executionID != "" {
				a, err := openApp(cmd)
				if err != nil {
					return err
				}
				status, err := a.orch.GetExecutionStatus(cmd.Context(), executionID)
				a.Close()
				if err != nil {
					return err
				}
				results = status.Steps
			}

			model, err := diagram.Build(def, results)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "svg", "png":
				if format == "png" && outPath == "" {
					return fmt.Errorf("png output requires --out")
				}
				out, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (ascii, mermaid, svg, png)", format)
			}

			if outPath != "" {
				return os.WriteFile(outPath, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringP("format", "f", "mermaid", "ascii, mermaid, svg or png")
	cmd.Flags().String("execution", "", "overlay the step status of this execution")
	cmd.Flags().StringP("out", "o", "", "write to a file instead of stdout")
	return cmd
}

// newStandaloneValidator validates against the builtin agents without opening a store.
func newStandaloneValidator() (*validation.DefinitionValidator, error) {
	inputs, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	reg := agents.NewRegistry(inputs)
	if err := agents.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	return validation.NewDefinitionValidator(reg)
}
