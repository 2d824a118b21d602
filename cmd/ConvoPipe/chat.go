package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// DefaultChatID is the conversation identifier of the terminal chat.
const DefaultChatID = "cli:local"

var chatFlags struct {
	id   string
	name string
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the agent in the terminal",
	Long:  `Starts an interactive chat. Type exit, quit or bye to say goodbye and leave.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime(config, "chat", nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		styled := term.IsTerminal(int(os.Stdout.Fd()))
		repl := newREPL(rt.sessions, os.Stdin, os.Stdout, styled)
		return repl.Run(cmd.Context(), chatFlags.id, flow.TurnOptions{Name: chatFlags.name})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatFlags.id, "id", DefaultChatID, "conversation identifier to resume")
	chatCmd.Flags().StringVar(&chatFlags.name, "name", "", "your name, if the agent should not ask for it")
}

// exitWords end the chat after the agent has answered them.
var exitWords = map[string]bool{"exit": true, "quit": true, "bye": true}

// repl reads one line per turn and prints the agent's replies.
type repl struct {
	sessions *flow.SessionManager
	in       *bufio.Scanner
	out      *termenv.Output
	agent    string
}

func newREPL(sessions *flow.SessionManager, in io.Reader, w io.Writer, styled bool) *repl {
	var out *termenv.Output
	if styled {
		out = termenv.NewOutput(w)
	} else {
		out = termenv.NewOutput(w, termenv.WithProfile(termenv.Ascii))
	}
	agent := sessions.Engine().Playbook().Persona.AgentName
	if agent == "" {
		agent = "agent"
	}
	return &repl{sessions: sessions, in: bufio.NewScanner(in), out: out, agent: agent}
}

// Run greets (or resumes) the conversation and loops until an exit word or EOF.
func (r *repl) Run(ctx context.Context, id string, opts flow.TurnOptions) error {
	if _, err := r.turn(ctx, id, "", opts); err != nil {
		return err
	}
	for {
		fmt.Fprint(r.out, r.out.String("you> ").Foreground(r.out.Color("#a78bfa")).Bold())
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		res, err := r.turn(ctx, id, line, flow.TurnOptions{})
		if err != nil {
			return err
		}
		if exitWords[strings.ToLower(line)] {
			return nil
		}
		if res.State.Stage == models.StageTerminated {
			fmt.Fprintln(r.out, r.out.String("(conversation ended; say something to start over)").Faint())
		}
	}
}

func (r *repl) turn(ctx context.Context, id, input string, opts flow.TurnOptions) (*flow.TurnResult, error) {
	res, err := r.sessions.Turn(ctx, id, input, opts)
	if err != nil {
		return nil, fmt.Errorf("turn failed: %w", err)
	}
	label := r.out.String(r.agent + "> ").Foreground(r.out.Color("#818cf8")).Bold()
	for _, m := range res.Replies {
		fmt.Fprintf(r.out, "%s%s\n", label, m.Content)
	}
	if res.SaveErr != nil {
		fmt.Fprintln(r.out, r.out.String("(this conversation could not be saved)").Faint())
	}
	return res, nil
}
