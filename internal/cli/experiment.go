package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"abengine/internal/experiment"
)

func newExperimentCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Create, inspect and move experiments through their lifecycle",
	}
	cmd.AddCommand(
		newCreateCommand(a),
		newListCommand(a),
		idCommand(a, "get", "Show one experiment", func(c *cobra.Command, svc *experiment.Service, id string) (any, error) {
			return svc.GetExperiment(c.Context(), id)
		}),
		idCommand(a, "start", "Start a DRAFT experiment", func(c *cobra.Command, svc *experiment.Service, id string) (any, error) {
			return svc.StartExperiment(c.Context(), id)
		}),
		newStopCommand(a),
		idCommand(a, "complete", "Complete a RUNNING experiment and store its results", func(c *cobra.Command, svc *experiment.Service, id string) (any, error) {
			return svc.CompleteExperiment(c.Context(), id)
		}),
		idCommand(a, "analyze", "Compute current results without changing state", func(c *cobra.Command, svc *experiment.Service, id string) (any, error) {
			return svc.AnalyzeTest(c.Context(), id)
		}),
		idCommand(a, "summary", "Show assignment and event counts per variant", func(c *cobra.Command, svc *experiment.Service, id string) (any, error) {
			return svc.TestSummary(c.Context(), id)
		}),
	)
	return cmd
}

func idCommand(a *app, name, short string, run func(*cobra.Command, *experiment.Service, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			out, err := run(cmd, svc, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newCreateCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create -f <file.yaml>",
		Short: "Create a DRAFT experiment from a YAML definition",
		Long: `Reads an experiment definition from a YAML (or JSON) file, or from
stdin when the file is "-".

Example:
  name: Checkout button colour
  variants:
    - id: control
      config: {color: green}
    - id: treatment
      config: {color: orange}
  traffic_split:
    control: 50
    treatment: 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readDefinition(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			svc, err := a.service()
			if err != nil {
				return err
			}
			exp, err := svc.CreateExperiment(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "experiment definition (YAML or JSON, - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDefinition(stdin io.Reader, file string) (experiment.CreateRequest, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return experiment.CreateRequest{}, fmt.Errorf("read definition: %w", err)
	}

	var req experiment.CreateRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return experiment.CreateRequest{}, fmt.Errorf("parse definition: %w", err)
	}
	return req, nil
}

func newListCommand(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			exps, err := svc.ListTests(cmd.Context(), experiment.Status(strings.ToUpper(status)), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exps)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only experiments in this status (draft, running, stopped, completed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of experiments (default 50, max 500)")
	return cmd
}

func newStopCommand(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop <experiment-id>",
		Short: "Stop a RUNNING experiment without declaring a winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			exp, err := svc.StopExperiment(cmd.Context(), args[0], strings.TrimSpace(reason))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the experiment was stopped")
	return cmd
}
