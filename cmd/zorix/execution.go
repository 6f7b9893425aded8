package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	runMode   string
	runFollow bool
	denyFlag  bool
)

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "edit", "planning mode (edit, explain, refactor, test, create, debug, optimize, document)")
	runCmd.Flags().BoolVar(&runFollow, "follow", true, "stream execution events until it stops")
	approveCmd.Flags().BoolVar(&denyFlag, "deny", false, "deny instead of grant")
}

// runCmd submits an instruction for execution
var runCmd = &cobra.Command{
	Use:   "run <instruction>",
	Short: "Submit an instruction for execution",
	Long: `Submit an instruction to the zorixd agent and follow its progress.

Examples:
  # Run an instruction and stream events
  zorix run "add a --verbose flag to the CLI"

  # Fire and forget
  zorix run --follow=false "format all go files"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExecute,
}

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show execution status, or list all executions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var approveCmd = &cobra.Command{
	Use:   "approve <execution-id>",
	Short: "Resolve a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"granted": !denyFlag}
		if err := postJSON("/api/v1/executions/"+args[0]+"/approve", body, nil); err != nil {
			return err
		}
		if denyFlag {
			fmt.Println("Denied.")
		} else {
			fmt.Println("Approved.")
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <execution-id>",
	Short: "Pause a running execution at its next step boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/v1/executions/"+args[0]+"/pause", struct{}{}, nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Resume a paused execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/v1/executions/"+args[0]+"/resume", struct{}{}, nil)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/api/v1/executions/"+args[0]+"/cancel", struct{}{}, nil)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <execution-id>",
	Short: "Remove a finished execution from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteReq("/api/v1/executions/" + args[0])
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <execution-id> <point-id>",
	Short: "Restore an execution to a rollback point",
	Long: `Restore an execution to a previously captured rollback point.
The execution must be paused or stopped. Point IDs are listed by
"zorix status <execution-id>".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"point_id": args[1]}
		return postJSON("/api/v1/executions/"+args[0]+"/rollback", body, nil)
	},
}

// SubmitResponse matches internal/httpapi SubmitResponse
type SubmitResponse struct {
	ID string `json:"id"`
}

// eventView is the subset of an event the CLI renders.
type eventView struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

func runExecute(cmd *cobra.Command, args []string) error {
	instruction := strings.Join(args, " ")

	var resp SubmitResponse
	if err := postJSON("/api/v1/executions", map[string]any{
		"instruction": instruction,
		"mode":        runMode,
	}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Execution %s started\n", resp.ID)

	if !runFollow {
		fmt.Println(resp.ID)
		return nil
	}
	return followEvents(resp.ID)
}

// followEvents tails the execution's SSE stream, printing each event until
// the execution stops.
func followEvents(id string) error {
	url := fmt.Sprintf("%s/api/v1/executions/%s/events", serverURL, id)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev eventView
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		printEvent(ev)
	}
	return scanner.Err()
}

func printEvent(ev eventView) {
	switch ev.Type {
	case "step_started":
		fmt.Printf("→ %v\n", ev.Payload["description"])
	case "step_completed":
		fmt.Println("  done")
	case "step_failed":
		fmt.Printf("  failed: %v\n", ev.Payload["error"])
	case "approval_requested":
		fmt.Printf("⚠ approval required (%v)\n%v\n", ev.Payload["approval"], ev.Payload["summary"])
		fmt.Printf("  resolve with: zorix approve <execution-id> [--deny]\n")
	case "plan_refined":
		fmt.Printf("↻ plan refined: %v new step(s)\n", ev.Payload["steps"])
	case "execution_completed":
		fmt.Println("✓ completed")
	case "execution_failed":
		fmt.Printf("✗ failed: %v\n", ev.Payload["failure"])
	case "execution_cancelled":
		fmt.Println("✗ cancelled")
	default:
		fmt.Printf("[%s]\n", ev.Type)
	}
}

// executionView is the subset of a snapshot the CLI renders.
type executionView struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	Failure     string `json:"failure"`
	Steps       []struct {
		Description string `json:"description"`
		Capability  string `json:"capability"`
		Status      string `json:"status"`
		Error       string `json:"error"`
		Retries     int    `json:"retries"`
	} `json:"steps"`
	RollbackPoints []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	} `json:"rollback_points"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		var list []executionView
		if err := getJSON("/api/v1/executions", &list); err != nil {
			return err
		}
		for _, e := range list {
			fmt.Printf("%s  %-10s  %s\n", e.ID, e.Status, e.Instruction)
		}
		return nil
	}

	var e executionView
	if err := getJSON("/api/v1/executions/"+args[0], &e); err != nil {
		return err
	}

	fmt.Printf("Execution:   %s\n", e.ID)
	fmt.Printf("Instruction: %s\n", e.Instruction)
	fmt.Printf("Mode:        %s\n", e.Mode)
	fmt.Printf("Status:      %s\n", e.Status)
	if e.Failure != "" {
		fmt.Printf("Failure:     %s\n", e.Failure)
	}
	fmt.Println("Steps:")
	for i, s := range e.Steps {
		marker := " "
		switch s.Status {
		case "completed":
			marker = "✓"
		case "failed":
			marker = "✗"
		case "running":
			marker = "→"
		}
		fmt.Printf("  %s %d. %s", marker, i+1, s.Description)
		if s.Capability != "" {
			fmt.Printf(" [%s]", s.Capability)
		}
		if s.Retries > 0 {
			fmt.Printf(" (%d retries)", s.Retries)
		}
		if s.Error != "" {
			fmt.Printf("\n      error: %s", s.Error)
		}
		fmt.Println()
	}
	if len(e.RollbackPoints) > 0 {
		fmt.Println("Rollback points:")
		for _, p := range e.RollbackPoints {
			fmt.Printf("  %s  %s\n", p.ID, p.Label)
		}
	}
	return nil
}
