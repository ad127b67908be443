package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentcoord"
	"github.com/hupe1980/agentcoord/coordinator"
	"github.com/hupe1980/agentcoord/core"
)

// Approval modes of the run command.
const (
	approvePrompt  = "prompt"
	approveOnce    = "once"
	approveSession = "session"
	approveDeny    = "deny"
)

type runFlags struct {
	agent     string
	workflow  string
	sessionID string
	projectID string
	approve   string
	events    bool
	asJSON    bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Run one agent turn or a named workflow",
		Long: "run submits the input to an agent (--agent) or runs a configured workflow (--workflow). " +
			"Permission asks are answered according to --approve.",
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if (flags.agent == "") == (flags.workflow == "") {
				return fmt.Errorf("exactly one of --agent or --workflow is required")
			}
			switch flags.approve {
			case approvePrompt, approveOnce, approveSession, approveDeny:
				return nil
			}
			return fmt.Errorf("invalid --approve %q: want prompt, once, session or deny", flags.approve)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := root.load()
			if err != nil {
				return err
			}

			input := ""
			if len(args) == 1 {
				input = args[0]
			}
			if flags.sessionID == "" {
				flags.sessionID = uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			h := &eventHandler{
				flags:  flags,
				out:    cmd.ErrOrStderr(),
				prompt: bufio.NewReader(cmd.InOrStdin()),
			}
			rt, err := agentcoord.FromConfig(ctx, f, func(o *agentcoord.Options) {
				o.Logger = f.Logger(cmd.ErrOrStderr())
				o.OnEvent = h.handle
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			submit := func(o *coordinator.SubmitOptions) { o.ProjectID = flags.projectID }

			var res coordinator.UnitResult
			if flags.workflow != "" {
				wf, wfErr := f.Workflow(flags.workflow)
				if wfErr != nil {
					return wfErr
				}
				if input != "" {
					wf.Input = input
				}
				res, err = rt.RunWorkflow(ctx, flags.sessionID, wf, submit)
			} else {
				res, err = rt.RunTurn(ctx, flags.sessionID, flags.agent, input, submit)
			}
			if err != nil {
				info := core.Describe(err)
				return fmt.Errorf("run failed (%s): %s", info.Kind, info.Summary)
			}

			return writeResult(cmd.OutOrStdout(), flags, res)
		},
	}

	cmd.Flags().StringVarP(&flags.agent, "agent", "a", "", "agent to run")
	cmd.Flags().StringVarP(&flags.workflow, "workflow", "w", "", "configured workflow to run")
	cmd.Flags().StringVarP(&flags.sessionID, "session", "s", "", "session id (default: a new id)")
	cmd.Flags().StringVarP(&flags.projectID, "project", "p", "", "project id selecting the project policy")
	cmd.Flags().StringVar(&flags.approve, "approve", approvePrompt, "answer permission asks: prompt, once, session or deny")
	cmd.Flags().BoolVar(&flags.events, "events", false, "print every event as a JSON line on stderr")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "print the result as JSON")

	return cmd
}

func writeResult(w io.Writer, flags *runFlags, res coordinator.UnitResult) error {
	if flags.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			SessionID string            `json:"session_id"`
			UnitID    string            `json:"unit_id"`
			State     core.UnitState    `json:"state"`
			Output    string            `json:"output"`
			Outputs   map[string]string `json:"outputs,omitempty"`
			Usage     core.TokenUsage   `json:"usage"`
			Degraded  bool              `json:"degraded,omitempty"`
		}{res.Handle.SessionID, res.Handle.UnitID, res.State, res.Output, res.Outputs, res.Usage, res.Degraded})
	}
	_, err := fmt.Fprintln(w, res.Output)
	return err
}

// eventHandler prints events and answers permission asks. It runs on the
// runtime's event goroutine.
type eventHandler struct {
	flags  *runFlags
	out    io.Writer
	prompt *bufio.Reader
	mu     sync.Mutex
}

func (h *eventHandler) handle(rt *agentcoord.Runtime, ev core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.flags.events {
		if b, err := json.Marshal(ev); err == nil {
			fmt.Fprintln(h.out, string(b))
		}
	}

	switch ev.Kind {
	case core.EventPermissionAsk:
		answer := h.answer(ev.Ask)
		if err := rt.AnswerPermissionAsk(context.Background(), ev.Ask.ID, answer); err != nil {
			fmt.Fprintf(h.out, "failed to answer permission ask: %v\n", err)
		}
	case core.EventError:
		if ev.Error != nil && !h.flags.events {
			fmt.Fprintf(h.out, "error (%s): %s\n", ev.Error.Kind, ev.Error.Summary)
		}
	}
}

func (h *eventHandler) answer(ask *core.PermissionAsk) core.Answer {
	switch h.flags.approve {
	case approveOnce:
		return core.AnswerAllowOnce
	case approveSession:
		return core.AnswerAllowInSession
	case approveDeny:
		return core.AnswerDeny
	}

	req := ask.Request
	fmt.Fprintf(h.out, "%s wants %s on %q. Allow? [y]es / [s]ession / [N]o: ", req.Actor, req.Kind, req.Target)
	line, _ := h.prompt.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return core.AnswerAllowOnce
	case "s", "session":
		return core.AnswerAllowInSession
	}
	return core.AnswerDeny
}
