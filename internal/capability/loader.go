// ABOUTME: Loads and merges the agent's tool servers, instruction documents and skills.
// ABOUTME: Override tools replace base tools by name; instruction text is concatenated.

package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// InstructionSeparator joins the base and override instruction documents.
const InstructionSeparator = "\n\n"

// ConfigError reports a malformed configuration source.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("capability config %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Paths names every source the loader reads. Empty paths are skipped and
// files that do not exist are treated as absent.
type Paths struct {
	BaseTools            string
	OverrideTools        string
	BaseInstructions     string
	OverrideInstructions string
	BaseSkills           string
	OverrideSkills       string
}

// ForScope returns p with the override sources pointed at scope's
// conventional locations: .kimi/mcp.json, .bots.md and .kimi/skills.
func (p Paths) ForScope(scope string) Paths {
	p.OverrideTools = filepath.Join(scope, ".kimi", "mcp.json")
	p.OverrideInstructions = filepath.Join(scope, ".bots.md")
	p.OverrideSkills = filepath.Join(scope, ".kimi", "skills")
	return p
}

// Config is the immutable capability set for one agent session.
type Config struct {
	Tools        map[string]Tool
	Instructions string
	Skills       []Skill
}

// Empty returns a Config with no tools, instructions or skills.
func Empty() *Config {
	return &Config{Tools: map[string]Tool{}}
}

// ToolNames returns the tool names in sorted order.
func (c *Config) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SystemPrompt is the instruction text followed by the skill catalogue.
func (c *Config) SystemPrompt() string {
	section := skillsSection(c.Skills)
	switch {
	case section == "":
		return c.Instructions
	case c.Instructions == "":
		return section
	default:
		return c.Instructions + InstructionSeparator + section
	}
}

type toolsFile struct {
	MCPServers map[string]rawTool `json:"mcpServers"`
}

// Load reads every source in paths and merges them.
func Load(paths Paths) (*Config, error) {
	base, err := loadTools(paths.BaseTools)
	if err != nil {
		return nil, err
	}
	override, err := loadTools(paths.OverrideTools)
	if err != nil {
		return nil, err
	}

	tools := make(map[string]Tool, len(base)+len(override))
	for name, tool := range base {
		if tool != nil {
			tools[name] = tool
		}
	}
	for name, tool := range override {
		if tool == nil {
			delete(tools, name)
			continue
		}
		tools[name] = tool
	}

	baseText, err := readOptional(paths.BaseInstructions)
	if err != nil {
		return nil, err
	}
	overrideText, err := readOptional(paths.OverrideInstructions)
	if err != nil {
		return nil, err
	}

	skills, err := loadSkills(paths.OverrideSkills, paths.BaseSkills)
	if err != nil {
		return nil, err
	}

	return &Config{
		Tools:        tools,
		Instructions: joinInstructions(baseText, overrideText),
		Skills:       skills,
	}, nil
}

func joinInstructions(base, override string) string {
	base = strings.TrimSpace(base)
	override = strings.TrimSpace(override)
	switch {
	case base == "":
		return override
	case override == "":
		return base
	default:
		return base + InstructionSeparator + override
	}
}

// loadTools parses one tool source. Disabled entries map to nil so an
// override can switch off a base tool.
func loadTools(path string) (map[string]Tool, error) {
	data, err := readOptional(path)
	if err != nil || data == "" {
		return nil, err
	}

	var file toolsFile
	if err := json.Unmarshal(jsonc.ToJSON([]byte(data)), &file); err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("parsing: %w", err)}
	}

	tools := make(map[string]Tool, len(file.MCPServers))
	for name, raw := range file.MCPServers {
		if raw.Disabled {
			tools[name] = nil
			continue
		}
		tool, err := raw.toTool(name)
		if err != nil {
			return nil, &ConfigError{Source: path, Err: err}
		}
		tools[name] = tool
	}
	return tools, nil
}

// readOptional returns the file's content, or "" when path is empty or missing.
func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &ConfigError{Source: path, Err: err}
	}
	return string(data), nil
}
