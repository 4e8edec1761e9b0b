package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/internal/storage"
	"github.com/mnemexai/mnemex/internal/storage/jsonl"
	"github.com/mnemexai/mnemex/pkg/types"
)

// maxSlugCollisions bounds the -2, -3, ... filename retry loop.
const maxSlugCollisions = 50

// noteFrontMatter is the YAML header of a promoted note.
type noteFrontMatter struct {
	ID           string   `yaml:"id"`
	Created      string   `yaml:"created"`
	PromotedFrom string   `yaml:"promoted_from"`
	Tags         []string `yaml:"tags,flow,omitempty"`
	Aliases      []string `yaml:"aliases,flow,omitempty"`
	SourceMemIDs []string `yaml:"source_mem_ids,flow"`
}

// PromoteMemory copies one record's content into the vault as a markdown
// note and marks the record promoted. The note lands via tmp+fsync+rename;
// the record keeps living in the store as a redirect pointer. With dryRun
// the proposed filename and body are returned without side effects.
func (e *Engine) PromoteMemory(ctx context.Context, id string, dryRun bool) (*PromotionResult, error) {
	if e.ltm == nil {
		return nil, fmt.Errorf("%w: no vault configured", storage.ErrExternalFailure)
	}
	m, err := e.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == types.StatusPromoted {
		return nil, fmt.Errorf("%w: %s already promoted to %s", storage.ErrInvalidInput, id, m.PromotedTo)
	}
	return e.promoteOne(ctx, m, dryRun)
}

// PromoteAuto scans active records and promotes every one satisfying the
// promotion decision. With dryRun it returns the candidates untouched.
func (e *Engine) PromoteAuto(ctx context.Context, dryRun bool) ([]*PromotionResult, error) {
	if e.ltm == nil {
		return nil, fmt.Errorf("%w: no vault configured", storage.ErrExternalFailure)
	}
	records, err := e.store.ListMemories(ctx, storage.MemoryFilter{Status: types.StatusActive})
	if err != nil {
		return nil, err
	}
	now := e.clk.Now()

	var out []*PromotionResult
	for _, m := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.scorer.ShouldPromote(m, now) {
			continue
		}
		res, perr := e.promoteOne(ctx, m, dryRun)
		if perr != nil {
			return out, perr
		}
		out = append(out, res)
	}
	return out, nil
}

// promoteOne runs the pipeline for a single record: build the body, pick a
// collision-free filename, write atomically, then append the redirect line
// to the store. A failure after the note write leaves the store untouched;
// a partial .tmp is unlinked best-effort.
func (e *Engine) promoteOne(ctx context.Context, m *types.Memory, dryRun bool) (*PromotionResult, error) {
	now := e.clk.Now()

	relations, err := e.store.ListRelations(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	body := buildNoteBody(m, relations, now)

	subdir := e.cfg.Storage.PromotionSubdir
	dir := filepath.Join(e.ltm.VaultPath(), subdir)
	relPath, err := resolveSlugPath(dir, subdir, m)
	if err != nil {
		return nil, err
	}

	if dryRun {
		return &PromotionResult{STMID: m.ID, WrittenPath: relPath, DryRun: true, Body: body}, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create promotion dir: %w", err)
	}
	finalPath := filepath.Join(e.ltm.VaultPath(), filepath.FromSlash(relPath))
	if err := writeNoteAtomic(finalPath, body); err != nil {
		return nil, err
	}

	promoted := m.Clone()
	at := now.Unix()
	promoted.Status = types.StatusPromoted
	promoted.PromotedAt = &at
	promoted.PromotedTo = relPath
	if err := e.store.PutMemory(ctx, promoted); err != nil {
		return nil, err
	}
	metrics.PromotionsTotal.Inc()

	// Best-effort index update so the new note is searchable immediately.
	if rerr := e.ltm.RefreshPath(ctx, relPath); rerr != nil {
		e.logger.Debug().Err(rerr).Str("path", relPath).Msg("index refresh after promotion failed")
	}

	e.logger.Info().Str("id", m.ID).Str("path", relPath).Msg("memory promoted")
	return &PromotionResult{STMID: m.ID, WrittenPath: relPath}, nil
}

// buildNoteBody renders front matter, content, and the relations section.
func buildNoteBody(m *types.Memory, relations []*types.Relation, now time.Time) string {
	fm := noteFrontMatter{
		ID:           m.ID,
		Created:      time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339),
		PromotedFrom: "stm",
		Tags:         m.Tags,
		SourceMemIDs: []string{m.ID},
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		// Front matter is built from plain strings; marshal cannot fail in
		// practice, but a note without a header is still a valid note.
		header = nil
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimRight(m.Content, "\n"))
	b.WriteString("\n")

	var outgoing []*types.Relation
	for _, r := range relations {
		if r.FromID == m.ID {
			outgoing = append(outgoing, r)
		}
	}
	if len(outgoing) > 0 {
		b.WriteString("\n## Relations\n")
		for _, r := range outgoing {
			fmt.Fprintf(&b, "- %s → %s\n", r.Type, r.ToID)
		}
	}
	return b.String()
}

// resolveSlugPath picks `<slug>-<short-id>.md` under the promotion subdir,
// appending -2, -3, ... while the name is taken. Dry runs report the first
// free name without reserving it.
func resolveSlugPath(dir, subdir string, m *types.Memory) (string, error) {
	base := fmt.Sprintf("%s-%s", slugify(m.Content), shortID(m.ID))
	for i := 1; i <= maxSlugCollisions; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		name += ".md"
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if os.IsNotExist(err) {
				return filepath.ToSlash(filepath.Join(subdir, name)), nil
			}
			return "", fmt.Errorf("stat %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("%w: no free filename for %s after %d attempts", storage.ErrConflict, base, maxSlugCollisions)
}

// writeNoteAtomic writes body to a sibling .tmp, fsyncs, and renames over
// the final path. The directory is fsynced so the rename is durable.
func writeNoteAtomic(finalPath, body string) error {
	tmp := finalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", finalPath, err)
	}
	if err := jsonl.SyncDir(filepath.Dir(finalPath)); err != nil {
		return err
	}
	return nil
}

// slugify derives a filename stem from the first words of the content.
func slugify(content string) string {
	words := strings.Fields(content)
	if len(words) > 6 {
		words = words[:6]
	}
	var b strings.Builder
	for _, word := range words {
		for _, r := range word {
			switch {
			case unicode.IsLetter(r) || unicode.IsDigit(r):
				b.WriteRune(unicode.ToLower(r))
			}
		}
		b.WriteRune('-')
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		slug = "memory"
	}
	return slug
}

// shortID extracts the leading hex of the record's uuid for filenames.
func shortID(id string) string {
	trimmed := strings.TrimPrefix(id, "m-")
	trimmed = strings.ReplaceAll(trimmed, "-", "")
	if len(trimmed) > 8 {
		trimmed = trimmed[:8]
	}
	if trimmed == "" {
		return "note"
	}
	return trimmed
}
