// ABOUTME: Closed set of tool invocation descriptors and their load-time validation.
// ABOUTME: Each mcpServers entry becomes exactly one StdioTool, HTTPTool or SSETool.

package capability

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// Transport names how the agent reaches a tool server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// Tool is one tool server descriptor. The set of implementations is closed.
type Tool interface {
	ToolName() string
	Transport() Transport
	sealed()
}

// StdioTool is a local command speaking MCP over its standard streams.
type StdioTool struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// HTTPTool is a remote MCP endpoint using streamable HTTP.
type HTTPTool struct {
	Name    string
	URL     string
	Headers map[string]string
}

// SSETool is a remote MCP endpoint using server-sent events.
type SSETool struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (t StdioTool) ToolName() string     { return t.Name }
func (t StdioTool) Transport() Transport { return TransportStdio }
func (StdioTool) sealed()                {}

func (t HTTPTool) ToolName() string     { return t.Name }
func (t HTTPTool) Transport() Transport { return TransportHTTP }
func (HTTPTool) sealed()                {}

func (t SSETool) ToolName() string     { return t.Name }
func (t SSETool) Transport() Transport { return TransportSSE }
func (SSETool) sealed()                {}

// rawTool is one mcpServers entry as written on disk.
type rawTool struct {
	Type     string            `json:"type"`
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
	Disabled bool              `json:"disabled"`
}

// toTool validates r and returns its typed descriptor.
func (r rawTool) toTool(name string) (Tool, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("tool with empty name")
	}
	if r.Command != "" && r.URL != "" {
		return nil, fmt.Errorf("tool %q: command and url are mutually exclusive", name)
	}

	transport := Transport(strings.ToLower(r.Type))
	if transport == "" {
		switch {
		case r.Command != "":
			transport = TransportStdio
		case strings.Contains(r.URL, "/sse"):
			transport = TransportSSE
		case r.URL != "":
			transport = TransportHTTP
		default:
			return nil, fmt.Errorf("tool %q: needs a command or a url", name)
		}
	}

	switch transport {
	case TransportStdio:
		if r.Command == "" {
			return nil, fmt.Errorf("tool %q: stdio tool needs a command", name)
		}
		return StdioTool{Name: name, Command: r.Command, Args: r.Args, Env: expandValues(r.Env)}, nil
	case TransportHTTP, TransportSSE:
		if err := validateURL(r.URL); err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		headers := expandValues(r.Headers)
		if transport == TransportSSE {
			return SSETool{Name: name, URL: r.URL, Headers: headers}, nil
		}
		return HTTPTool{Name: name, URL: r.URL, Headers: headers}, nil
	default:
		return nil, fmt.Errorf("tool %q: unknown type %q", name, r.Type)
	}
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is not valid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandValues replaces ${VAR} references in map values with environment values.
func expandValues(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = envRef.ReplaceAllStringFunc(v, func(match string) string {
			return os.Getenv(match[2 : len(match)-1])
		})
	}
	return out
}
