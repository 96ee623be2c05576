// ABOUTME: The init command: interactive generator for relay.toml.
// ABOUTME: Prompts for the Matrix account and agent command and writes a commented config.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(configPath)
	},
}

func runInit(path string) error {
	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	if _, err := os.Stat(path); err == nil {
		yellow.Printf("    Config already exists at %s\n", path)
		if strings.ToLower(ask(reader, "Overwrite? [y/N]", "")) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	homeserver := ask(reader, "Matrix homeserver URL", "https://matrix.org")
	username := ask(reader, "Matrix username", "")
	password := ask(reader, "Matrix password", "")
	recoveryKey := ask(reader, "Matrix recovery key (optional, for E2EE)", "")
	command := ask(reader, "Agent command", "kimi")
	args := ask(reader, "Agent arguments", "--acp")
	workspace := ask(reader, "Workspace root for room directories", filepath.Join(config.DataPath(), "rooms"))
	prefix := ask(reader, "Command prefix (optional, e.g. '!coven ')", "")

	var b strings.Builder
	fmt.Fprintf(&b, `# coven-relay configuration
# Generated by coven-relay init

[matrix]
homeserver = %q
username = %q
password = %q
`, homeserver, username, password)
	if recoveryKey != "" {
		fmt.Fprintf(&b, "recovery_key = %q\n", recoveryKey)
	}

	fmt.Fprintf(&b, `
[agent]
command = %q
args = [%s]
# Each room gets its own directory under this root
workspace_root = %q

[bridge]
# Only respond in these rooms (empty = all joined rooms)
allowed_rooms = []
# Require messages start with this prefix (empty = respond to all)
command_prefix = %q
# In group rooms, only answer when mentioned
require_mention = true
# Send typing indicator while streaming
typing_indicator = true

[stream]
min_interval = "300ms"

[logging]
level = "info"
`, command, quoteArgs(args), workspace, prefix)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", path)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: coven-relay check-config")
	fmt.Println("    2. Run: coven-relay")
	fmt.Println()
	return nil
}

// ask prompts for one value, returning def when the answer is empty.
func ask(reader *bufio.Reader, prompt, def string) string {
	green.Print("    ▶ ")
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return def
	}
	return answer
}

func quoteArgs(args string) string {
	fields := strings.Fields(args)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	return strings.Join(quoted, ", ")
}
