package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ensemble",
		Short:         "Declarative agent workflow engine",
		Long:          "Ensemble runs declarative workflows of agent steps with durable human-in-the-loop approvals.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("env-file", ".env", "dotenv file layered under ENSEMBLE_* variables")

	root.AddCommand(newServeCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newResumeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newEventsCommand())
	root.AddCommand(newApprovalCommand())
	root.AddCommand(newCancelCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newInspectCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// openApp loads the configuration and wires the engine. Logs go to stderr so
// stdout stays machine readable.
func openApp(cmd *cobra.Command) (*app, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := loadConfig(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseObject decodes a JSON or YAML object given inline or from a file.
func parseObject(inline, file string) (map[string]any, error) {
	data := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		data = b
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("expected a JSON or YAML object: %w", err)
	}
	return out, nil
}
