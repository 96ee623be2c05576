// ABOUTME: The check-config command: validates the config and loads every capability source.
// ABOUTME: Reports the tools, skills and instructions each configured scope would receive.

package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config and capability files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			red.Printf("    ✗ %v\n", err)
			return fmt.Errorf("invalid config %s", configPath)
		}
		green.Printf("    ✓ Config %s is valid\n\n", configPath)

		base := capabilityPaths(cfg)
		failed := !checkScope("base", base)

		rooms := make([]string, 0, len(cfg.Agent.Scopes))
		for room := range cfg.Agent.Scopes {
			rooms = append(rooms, room)
		}
		sort.Strings(rooms)
		for _, room := range rooms {
			dir := cfg.Agent.ScopeFor(room)
			if !checkScope(room+" ("+dir+")", base.ForScope(dir)) {
				failed = true
			}
		}

		if failed {
			return errors.New("some capability sources are invalid")
		}
		return nil
	},
}

// checkScope loads one scope's capabilities and prints a summary.
func checkScope(label string, paths capability.Paths) bool {
	caps, err := capability.Load(paths)
	if err != nil {
		red.Printf("    ✗ %s: %v\n", label, err)
		return false
	}
	green.Print("    ▶ ")
	fmt.Println(label)
	fmt.Printf("        tools:        %d %v\n", len(caps.Tools), caps.ToolNames())
	fmt.Printf("        skills:       %d\n", len(caps.Skills))
	fmt.Printf("        instructions: %d bytes\n", len(caps.Instructions))
	return true
}
