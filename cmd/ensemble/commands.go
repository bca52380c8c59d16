package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ensemblemcp "github.com/rendis/ensemble/pkg/mcp"
	"github.com/rendis/ensemble/pkg/schema"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio and fire alarms and cron triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			dir, _ := cmd.Flags().GetString("definitions")
			if dir == "" {
				dir = a.cfg.DefinitionsDir
			}
			n, err := a.loadDefinitions(dir)
			if err != nil {
				return fmt.Errorf("failed to load definitions: %w", err)
			}

			srv := ensemblemcp.NewEnsembleServer(ensemblemcp.EnsembleServerDeps{
				Orchestrator: a.orch,
				Logger:       a.logger,
				Version:      version,
			})
			a.router.Register(ensemblemcp.Scheme, ensemblemcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions()))

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("ensemble serving",
				"definitions", n,
				"triggers", len(a.scheduler.Triggers()),
				"notify", a.router.Schemes(),
			)
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().String("definitions", "", "directory of definition files (default: definitions_dir)")
	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <definition-file>",
		Short: "Execute a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inline, _ := cmd.Flags().GetString("input")
			inputFile, _ := cmd.Flags().GetString("input-file")
			input, err := parseObject(inline, inputFile)
			if err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, runErr := a.orch.ExecuteGraph(cmd.Context(), def, input)
			if res != nil {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringP("input", "i", "", "input object as JSON or YAML")
	cmd.Flags().String("input-file", "", "file holding the input object")
	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <token>",
		Short: "Resume a suspended execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inline, _ := cmd.Flags().GetString("payload")
			payloadFile, _ := cmd.Flags().GetString("payload-file")
			payload, err := parseObject(inline, payloadFile)
			if err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var value any
			if payload != nil {
				value = payload
			}
			res, resumeErr := a.orch.Resume(cmd.Context(), args[0], value)
			if res != nil {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return resumeErr
		},
	}
	cmd.Flags().StringP("payload", "p", "", "payload object as JSON or YAML")
	cmd.Flags().String("payload-file", "", "file holding the payload object")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.orch.GetExecutionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <execution-id>",
		Short: "List execution events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			since, _ := cmd.Flags().GetInt64("since")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.orch.Events(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().Int64("since", 0, "only events with a greater sequence")
	return cmd
}

func newApprovalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approval <token>",
		Short: "Show a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			md, err := a.orch.Approval(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), md)
		},
	}
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a suspended execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("reason", "cancelled from cli", "reason recorded with the cancellation")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>",
		Short: "Validate a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			validator, err := newStandaloneValidator()
			if err != nil {
				return err
			}

			result := validator.Validate(def)
			out := cmd.OutOrStdout()
			for _, issue := range result.Errors {
				fmt.Fprintf(out, "error   %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
			}
			for _, issue := range result.Warnings {
				fmt.Fprintf(out, "warning %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
			}
			if !result.Valid() {
				return schema.NewErrorf(schema.ErrCodeValidation, "%s has %d error(s)", def.Name, len(result.Errors))
			}
			fmt.Fprintf(out, "%s is valid\n", def.Name)
			return nil
		},
	}
}
