// Package specialists discovers the optional, config-gated specialist
// catalog from workspace/specialists/*/SPECIALIST.md and feeds it to
// pkg/context's Meta section (SPEC_FULL.md GLOSSARY "Specialist"). Adapted
// near-verbatim from the teacher's pkg/specialists/loader.go — the
// directory-scan, frontmatter parsing, and XML summary are unchanged; only
// the consumer changes, from a routed chat persona to a passively-surfaced
// catalog entry.
package specialists

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	gwcontext "github.com/sipeed/omega/pkg/context"
)

// Info holds metadata about one specialist.
type Info struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// Loader discovers and loads specialist definitions from workspace/specialists/.
type Loader struct {
	dir string
}

func NewLoader(workspace string) *Loader {
	return &Loader{dir: filepath.Join(workspace, "specialists")}
}

// List scans for all specialist directories containing SPECIALIST.md.
func (l *Loader) List() []Info {
	var out []Info

	dirs, err := os.ReadDir(l.dir)
	if err != nil {
		return out
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		specFile := filepath.Join(l.dir, dir.Name(), "SPECIALIST.md")
		if _, err := os.Stat(specFile); err != nil {
			continue
		}

		info := Info{Name: dir.Name(), Path: specFile}
		if meta := l.metadata(specFile); meta != nil {
			info.Description = meta.Description
		}
		out = append(out, info)
	}

	return out
}

// Catalog returns the specialist list as pkg/context.Specialist entries,
// ready to drop into a Builder's Specialists field.
func (l *Loader) Catalog() []gwcontext.Specialist {
	var out []gwcontext.Specialist
	for _, s := range l.List() {
		out = append(out, gwcontext.Specialist{Name: s.Name, Description: s.Description})
	}
	return out
}

// Load reads a specialist's persona text (SPECIALIST.md with frontmatter stripped).
func (l *Loader) Load(name string) (string, bool) {
	content, err := os.ReadFile(filepath.Join(l.dir, name, "SPECIALIST.md"))
	if err != nil {
		return "", false
	}
	return stripFrontmatter(string(content)), true
}

// Exists reports whether a specialist with the given name exists.
func (l *Loader) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(l.dir, name, "SPECIALIST.md"))
	return err == nil
}

// Dir returns the base specialists directory path.
func (l *Loader) Dir() string { return l.dir }

// BuildSummary returns an XML summary of all specialists for inclusion
// in a system prompt (used by specialists that want their own persona
// block rather than going through pkg/context's Meta rendering).
func (l *Loader) BuildSummary() string {
	all := l.List()
	if len(all) == 0 {
		return ""
	}

	var lines []string
	lines = append(lines, "<specialists>")
	for _, s := range all {
		lines = append(lines, "  <specialist>")
		lines = append(lines, fmt.Sprintf("    <name>%s</name>", escapeXML(s.Name)))
		lines = append(lines, fmt.Sprintf("    <description>%s</description>", escapeXML(s.Description)))
		lines = append(lines, "  </specialist>")
	}
	lines = append(lines, "</specialists>")

	return strings.Join(lines, "\n")
}

func (l *Loader) metadata(path string) *Info {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	fm := extractFrontmatter(string(content))
	if fm == "" {
		return &Info{Name: filepath.Base(filepath.Dir(path))}
	}

	var jsonMeta struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(fm), &jsonMeta); err == nil {
		return &Info{Name: jsonMeta.Name, Description: jsonMeta.Description}
	}

	yamlMeta := parseSimpleYAML(fm)
	return &Info{Name: yamlMeta["name"], Description: yamlMeta["description"]}
}

var (
	frontmatterRe      = regexp.MustCompile(`(?s)^---\n(.*)\n---`)
	frontmatterStripRe = regexp.MustCompile(`(?s)^---\n.*?\n---\n`)
)

func extractFrontmatter(content string) string {
	match := frontmatterRe.FindStringSubmatch(content)
	if len(match) > 1 {
		return match[1]
	}
	return ""
}

func stripFrontmatter(content string) string {
	return frontmatterStripRe.ReplaceAllString(content, "")
}

func parseSimpleYAML(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
			result[key] = value
		}
	}
	return result
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
