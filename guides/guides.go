// Package guides loads troubleshooting guides from a directory of markdown
// files with YAML front matter and serves keyword search over them.
package guides

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Get for unknown slugs.
var ErrNotFound = errors.New("guide not found")

// Guide is one loaded troubleshooting guide. The slug is the file name
// without its extension.
type Guide struct {
	Slug    string   `json:"slug"`
	Title   string   `json:"title"`
	Tags    []string `json:"tags,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Body    string   `json:"body,omitempty"`
	Path    string   `json:"-"`
}

type frontMatter struct {
	Title   string   `yaml:"title"`
	Tags    []string `yaml:"tags"`
	Summary string   `yaml:"summary"`
}

// Store holds the loaded guides. Immutable after Load; safe for concurrent
// reads.
type Store struct {
	guides   map[string]*Guide
	ordered  []*Guide // sorted by slug
	warnings []string
}

// Load reads every .md file in dir. Files that fail to parse are skipped and
// reported through Warnings rather than failing the load. An empty dir path
// yields an empty store.
func Load(dir string) (*Store, error) {
	s := &Store{guides: make(map[string]*Guide)}
	if dir == "" {
		return s, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read guides dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		guide, err := parseGuide(path)
		if err != nil {
			s.warnings = append(s.warnings, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		s.guides[guide.Slug] = guide
	}

	s.ordered = make([]*Guide, 0, len(s.guides))
	for _, g := range s.guides {
		s.ordered = append(s.ordered, g)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].Slug < s.ordered[j].Slug })
	return s, nil
}

func parseGuide(path string) (*Guide, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	meta, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return nil, err
	}

	var fm frontMatter
	if meta != "" {
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return nil, fmt.Errorf("front matter: %w", err)
		}
	}

	slug := strings.TrimSuffix(filepath.Base(path), ".md")
	title := strings.TrimSpace(fm.Title)
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = slug
	}

	return &Guide{
		Slug:    slug,
		Title:   title,
		Tags:    fm.Tags,
		Summary: strings.TrimSpace(fm.Summary),
		Body:    strings.TrimSpace(body),
		Path:    path,
	}, nil
}

// splitFrontMatter separates the YAML block between --- fences from the
// markdown body. Content without a leading fence is all body.
func splitFrontMatter(content string) (meta, body string, err error) {
	if !strings.HasPrefix(content, "---") {
		return "", content, nil
	}
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", errors.New("front matter: closing fence not found")
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// Warnings lists the files skipped during Load and why.
func (s *Store) Warnings() []string { return s.warnings }

// Len returns the number of loaded guides.
func (s *Store) Len() int { return len(s.ordered) }

// All returns every guide, sorted by slug.
func (s *Store) All() []*Guide {
	out := make([]*Guide, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Get returns the guide for slug or ErrNotFound.
func (s *Store) Get(slug string) (*Guide, error) {
	g, ok := s.guides[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

// Field weights for search scoring. A title hit outranks any number of body
// hits for a single term.
const (
	titleWeight   = 8
	tagWeight     = 4
	summaryWeight = 2
	bodyWeight    = 1
)

// Search scores guides against the query terms, case-insensitively, and
// returns matches ordered by score then slug. limit <= 0 means no limit.
func (s *Store) Search(query string, limit int) []*Guide {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		guide *Guide
		score int
	}
	var matches []scored
	for _, g := range s.ordered {
		score := 0
		title := strings.ToLower(g.Title)
		summary := strings.ToLower(g.Summary)
		body := strings.ToLower(g.Body)
		for _, term := range terms {
			if strings.Contains(title, term) {
				score += titleWeight
			}
			for _, tag := range g.Tags {
				if strings.Contains(strings.ToLower(tag), term) {
					score += tagWeight
					break
				}
			}
			if strings.Contains(summary, term) {
				score += summaryWeight
			}
			if strings.Contains(body, term) {
				score += bodyWeight
			}
		}
		if score > 0 {
			matches = append(matches, scored{guide: g, score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].guide.Slug < matches[j].guide.Slug
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*Guide, len(matches))
	for i, m := range matches {
		out[i] = m.guide
	}
	return out
}

// PromptContext renders a compact titles-and-summaries block for injection
// into model instructions. At most max guides are listed; max <= 0 lists all.
func (s *Store) PromptContext(max int) string {
	if len(s.ordered) == 0 {
		return ""
	}
	guides := s.ordered
	if max > 0 && len(guides) > max {
		guides = guides[:max]
	}

	var b strings.Builder
	b.WriteString("Available troubleshooting guides:\n")
	for _, g := range guides {
		b.WriteString("- ")
		b.WriteString(g.Title)
		b.WriteString(" (")
		b.WriteString(g.Slug)
		b.WriteString(")")
		if g.Summary != "" {
			b.WriteString(": ")
			b.WriteString(g.Summary)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
