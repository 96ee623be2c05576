// ABOUTME: Minimal fake ACP agent for E2E testing: speaks JSON-RPC on stdio, echoes prompts with markdown.
// ABOUTME: Usage: fake-acp-agent [-delay 50ms] [-protocol 1]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/coven-relay/internal/acp"
	"github.com/2389/coven-relay/internal/acp/acptest"
)

func main() {
	delay := flag.Duration("delay", 50*time.Millisecond, "Pause between streamed chunks")
	protocol := flag.Int("protocol", acp.ProtocolVersion, "Protocol version reported by initialize")
	flag.Parse()

	// stdout carries the protocol, so diagnostics go to stderr.
	log.SetOutput(os.Stderr)

	if err := run(*delay, *protocol); err != nil {
		log.Fatal(err)
	}
}

func run(delay time.Duration, protocol int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent := &acptest.Agent{
		ProtocolVersion: protocol,
		Turn: func(prompt string) ([]acptest.Step, acp.StopReason) {
			log.Printf("received prompt: %s", firstLine(prompt))
			return script(prompt, delay)
		},
	}

	err := agent.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, acptest.ErrCrashed) {
		log.Print("simulated crash")
		os.Exit(2)
	}
	return err
}

// script picks a turn from keywords in the prompt: "crash" dies mid-turn,
// "hang" blocks until cancelled, "tool" runs a tool call, and anything else
// is echoed back in chunks.
func script(prompt string, delay time.Duration) ([]acptest.Step, acp.StopReason) {
	lower := strings.ToLower(prompt)
	var steps []acptest.Step

	switch {
	case strings.Contains(lower, "crash"):
		return []acptest.Step{
			{Text: "Starting, then falling over."},
			{Delay: delay, Crash: true},
		}, acp.StopEndTurn
	case strings.Contains(lower, "hang"):
		return []acptest.Step{
			{Thought: "Waiting for something that never arrives."},
			{Block: true},
		}, acp.StopEndTurn
	case strings.Contains(lower, "tool"):
		steps = append(steps,
			acptest.Step{Thought: "Looking that up."},
			acptest.Step{ToolID: "search-1", ToolStart: "search"},
			acptest.Step{Delay: delay, ToolID: "search-1", ToolResult: "search", ToolOutput: "3 results"},
		)
	}

	for _, word := range strings.SplitAfter(echoReply(prompt), " ") {
		steps = append(steps, acptest.Step{Delay: delay, Text: word})
	}
	return steps, acp.StopEndTurn
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", firstLine(input))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
