// ABOUTME: The turns command: lists recent agent turns from the ledger.
// ABOUTME: Shows state, timing and a prompt excerpt per turn, newest first.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/ledger"
	"github.com/2389/coven-relay/internal/stream"
)

var (
	turnsRoom  string
	turnsLimit int
)

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "List recent agent turns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config from %s: %w", configPath, err)
		}
		l, err := ledger.NewSQLite(cfg.Ledger.Path, setupLogger("error"))
		if err != nil {
			return fmt.Errorf("opening turn ledger: %w", err)
		}
		defer l.Close()

		turns, err := l.List(cmd.Context(), turnsRoom, turnsLimit)
		if err != nil {
			return err
		}
		printTurns(os.Stdout, turns)
		return nil
	},
}

func init() {
	turnsCmd.Flags().StringVar(&turnsRoom, "room", "", "Only show turns from this room")
	turnsCmd.Flags().IntVarP(&turnsLimit, "limit", "n", 20, "Maximum number of turns to show")
}

func printTurns(out io.Writer, turns []*ledger.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(out, "No turns recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATE\tDURATION\tTOOLS\tROOM\tPROMPT")
	for _, t := range turns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.StartedAt.Local().Format("2006-01-02 15:04:05"),
			stateLabel(t.State),
			duration(t),
			t.Tools,
			t.Room,
			excerpt(t.Prompt, 40),
		)
	}
	w.Flush()
}

func stateLabel(state string) string {
	switch state {
	case stream.StateCompleted.String():
		return green.Sprint(state)
	case stream.StateFailed.String():
		return red.Sprint(state)
	case stream.StateCancelled.String():
		return yellow.Sprint(state)
	default:
		return state
	}
}

func duration(t *ledger.Turn) string {
	if t.EndedAt.IsZero() {
		return "-"
	}
	return t.EndedAt.Sub(t.StartedAt).Round(100 * time.Millisecond).String()
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
