package cmd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/psantana5/recogpool/internal/bootstrap"
	"github.com/psantana5/recogpool/pkg/api"
	"github.com/psantana5/recogpool/pkg/dispatch"
)

var (
	submitFlags clientFlags
	resultFlags clientFlags

	submitParallel int
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>...",
	Short: "Submit images and print their outcomes",
	Long: `Upload each file to the front door and print "<name>:<outcome>" as results
arrive. A timed-out file prints its job id, which "recogpool result" can
look up later.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Look up a stored outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(resultCmd)

	submitFlags.register(submitCmd)
	submitCmd.Flags().IntVarP(&submitParallel, "parallel", "p", 4, "concurrent uploads")
	resultFlags.register(resultCmd)
}

type submitOutcome struct {
	File    string `json:"file"`
	JobID   string `json:"job_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	settings, err := submitFlags.settings()
	if err != nil {
		return err
	}
	client, err := bootstrap.NewClient(settings)
	if err != nil {
		return err
	}
	if submitParallel < 1 {
		submitParallel = 1
	}

	ctx := cmd.Context()
	results := make([]submitOutcome, len(args))
	sem := make(chan struct{}, submitParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for i, file := range args {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, file string) {
			defer wg.Done()
			defer func() { <-sem }()

			out := submitOutcome{File: file}
			resp, err := client.SubmitFile(ctx, file, submitFlags.timeout)
			if err != nil {
				out.Error = err.Error()
			} else {
				out.JobID, out.Outcome, out.Latency = resp.JobID, resp.Outcome, resp.Latency
			}
			results[i] = out

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
			}
			if !IsJSONOutput() {
				printSubmitLine(cmd, resp, out, err)
			}
		}(i, file)
	}
	wg.Wait()

	if IsJSONOutput() {
		if err := printJSON(cmd, results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(args))
	}
	return nil
}

func printSubmitLine(cmd *cobra.Command, resp *api.SubmitResponse, out submitOutcome, err error) {
	switch {
	case err == nil:
		fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", resp.Stem, resp.Outcome)
	case errors.Is(err, dispatch.ErrDispatchTimeout):
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: timed out (%v)\n", out.File, err)
	default:
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", out.File, err)
	}
}

func runResult(cmd *cobra.Command, args []string) error {
	settings, err := resultFlags.settings()
	if err != nil {
		return err
	}
	client, err := bootstrap.NewClient(settings)
	if err != nil {
		return err
	}

	outcome, err := client.Result(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(cmd, map[string]string{"job_id": args[0], "outcome": outcome})
	}
	fmt.Fprintln(cmd.OutOrStdout(), outcome)
	return nil
}
