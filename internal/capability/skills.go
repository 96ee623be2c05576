// ABOUTME: Discovers skill directories containing SKILL.md and reads their frontmatter.
// ABOUTME: Builds the skill catalogue appended to the agent's system prompt.

package capability

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one skill directory offered to the agent.
type Skill struct {
	Name        string
	Title       string
	Description string
	Path        string
}

type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// loadSkills scans dirs in priority order. A skill name found in an
// earlier directory hides the same name in later ones.
func loadSkills(dirs ...string) ([]Skill, error) {
	seen := make(map[string]bool)
	var skills []Skill
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &ConfigError{Source: dir, Err: err}
		}
		for _, entry := range entries {
			if !entry.IsDir() || seen[entry.Name()] {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(filepath.Join(path, "SKILL.md"))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, &ConfigError{Source: path, Err: err}
			}
			skill, err := parseSkill(entry.Name(), path, string(data))
			if err != nil {
				return nil, &ConfigError{Source: filepath.Join(path, "SKILL.md"), Err: err}
			}
			seen[entry.Name()] = true
			skills = append(skills, skill)
		}
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// parseSkill reads optional YAML frontmatter and the first heading.
func parseSkill(dirName, path, content string) (Skill, error) {
	skill := Skill{Name: dirName, Title: dirName, Path: path}

	body := content
	if rest, ok := strings.CutPrefix(content, "---\n"); ok {
		front, after, found := strings.Cut(rest, "\n---")
		if !found {
			return Skill{}, fmt.Errorf("unterminated frontmatter")
		}
		var fm skillFrontmatter
		if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
			return Skill{}, fmt.Errorf("parsing frontmatter: %w", err)
		}
		skill.Description = strings.TrimSpace(fm.Description)
		if fm.Name != "" {
			skill.Title = fm.Name
		}
		body = after
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			skill.Title = strings.TrimSpace(strings.TrimLeft(line, "#"))
			break
		}
	}
	return skill, nil
}

// skillsSection renders the skill catalogue as markdown, or "" for none.
func skillsSection(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available skills\n\n")
	b.WriteString("When asked what you can do, describe these skills.\n\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "### %s - %s\n", s.Name, s.Title)
		desc := s.Description
		if desc == "" {
			desc = "No description."
		}
		fmt.Fprintf(&b, "- %s\n\n", desc)
	}
	return strings.TrimRight(b.String(), "\n")
}
