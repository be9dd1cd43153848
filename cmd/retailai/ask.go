package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/workflow"
)

var (
	askStream bool
	askJSON   bool
	planFile  string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question",
	Example: `  retailai ask "最近7天每天的GMV趋势"
  retailai ask --stream "最近7天复购率下降了，是什么原因？"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Publish a campaign plan exactly once",
	Long:  `Read a plan as JSON from --plan (or stdin with "-") and execute it. Re-running the same plan replays the stored result.`,
	RunE:  runExecute,
}

func init() {
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print answer tokens as they arrive")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full response as JSON")

	executeCmd.Flags().StringVar(&planFile, "plan", "-", "plan JSON file, - for stdin")
	executeCmd.Flags().BoolVar(&askJSON, "json", false, "print the full response as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var sink retail.TokenFunc
	if askStream && !askJSON {
		sink = func(tok string) error {
			_, err := io.WriteString(out, tok)
			return err
		}
	}

	resp, err := a.orch.Run(cmd.Context(), retail.Request{Query: strings.Join(args, " ")}, sink)
	if err != nil {
		return err
	}
	return printResponse(out, resp, sink != nil)
}

func runExecute(cmd *cobra.Command, _ []string) error {
	raw, err := readPlan(cmd.InOrStdin())
	if err != nil {
		return err
	}
	var plan retail.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(cmd.Context()); err != nil {
		return err
	}

	resp, err := a.orch.Run(cmd.Context(), retail.Request{Query: "执行上架", Plan: &plan}, nil)
	if err != nil {
		return err
	}
	return printResponse(cmd.OutOrStdout(), resp, false)
}

func readPlan(stdin io.Reader) ([]byte, error) {
	if planFile == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(planFile)
}

func printResponse(w io.Writer, resp *workflow.Response, streamed bool) error {
	if askJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(resp)
	}
	if streamed {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, resp.Answer)
	return err
}
