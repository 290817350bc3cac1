package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/effective-security/mcpagent/session"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"
)

func newAskCmd(a *app) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask <request>",
		Short: "Answer one request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, release, err := a.newStore()
			if err != nil {
				return err
			}
			defer release()

			s, err := a.newSession(ctx, sessionID, st, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.Submit(ctx, strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), res.Render(NoAnswer))
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "ID of the session to continue")
	return cmd
}

func newChatCmd(a *app) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Reads requests line by line and prints the answers.
Type /reset to clear the history, and exit or quit to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			st, release, err := a.newStore()
			if err != nil {
				return err
			}
			defer release()

			s, err := a.newSession(ctx, sessionID, st, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(out, "Session %s with %d tools. Type exit to quit.\n", s.ID(), s.Toolset().Len())

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for {
				fmt.Fprint(out, "You: ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}

				line := strings.TrimSpace(scanner.Text())
				switch strings.ToLower(line) {
				case "":
					continue
				case "exit", "quit":
					return nil
				case "/reset":
					if err = s.Reset(ctx); err != nil {
						return err
					}
					fmt.Fprintln(out, "History cleared.")
					continue
				}

				if err = chatCycle(cmd, s, line); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "ID of the session to continue")
	return cmd
}

// chatCycle prints the answer of one request.
// A failed cycle is reported and the conversation goes on,
// unless the command was cancelled.
func chatCycle(cmd *cobra.Command, s *session.Session, line string) error {
	ctx := cmd.Context()
	res, err := s.Submit(ctx, line)
	fmt.Fprintf(cmd.OutOrStdout(), "Agent: %s\n", res.Render(NoAnswer))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.ContextKV(ctx, xlog.ERROR, "status", "cycle_failed", "session", s.ID(), "err", err.Error())
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", err.Error())
	}
	return nil
}
