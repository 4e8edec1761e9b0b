package vault

import (
	"bufio"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// noteMeta is what front-matter parsing extracts from one markdown file.
type noteMeta struct {
	Title   string
	Tags    []string
	Aliases []string
	Keys    []string // front-matter keys present, sorted
	Snippet string   // first ~200 chars of the body, whitespace-collapsed
}

// snippetLen caps the indexed body excerpt.
const snippetLen = 200

// parseNote splits YAML front matter (between leading --- fences) from the
// body and extracts the indexed fields. When front matter has no title
// (or there is no front matter), the first "# " heading of the body is
// used; without one the title stays empty.
func parseNote(content []byte) (*noteMeta, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, err
	}

	meta := &noteMeta{
		Title:   extractString(fm, "title"),
		Tags:    extractStrings(fm, "tags"),
		Aliases: extractStrings(fm, "aliases"),
		Snippet: snippet(body),
	}
	for key := range fm {
		meta.Keys = append(meta.Keys, key)
	}
	sort.Strings(meta.Keys)

	if meta.Title == "" {
		if h1 := extractH1(body); h1 != "" {
			meta.Title = h1
		}
	}
	return meta, nil
}

// splitFrontmatter separates YAML front matter from the markdown body.
// Returns an empty map and the full text when no front matter is found.
func splitFrontmatter(text string) (map[string]any, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		// No closing fence; the whole file is body.
		return map[string]any{}, text, nil
	}

	fmText := strings.Join(lines[1:closeIdx], "\n")
	fm := make(map[string]any)
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid front matter: %w", err)
	}
	body := strings.Join(lines[closeIdx+1:], "\n")
	return fm, body, nil
}

// extractString pulls a string value from front matter by key.
func extractString(fm map[string]any, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// extractStrings reads a list-or-scalar front-matter field. A single string
// value is split on commas, matching how vault tools write tag lines.
func extractStrings(fm map[string]any, key string) []string {
	raw, ok := fm[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

// extractH1 returns the text of the first ATX heading in the body.
func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// snippet whitespace-collapses the body and truncates it for the index.
func snippet(body string) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if len(collapsed) > snippetLen {
		collapsed = collapsed[:snippetLen]
	}
	return collapsed
}
