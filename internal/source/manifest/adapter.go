package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/source"
)

// SourceID is the source_type recorded for manifest sermons.
const SourceID = "manifest"

// Entry represents one line of the manifest JSONL file.
type Entry struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Scripture  string `json:"scripture"`
	Pastor     string `json:"pastor"`
	Church     string `json:"church"`
	PreachedAt string `json:"preached_at"`
}

// Adapter implements source.Source over a JSONL manifest on disk.
type Adapter struct {
	path  string
	items []source.SermonItem
}

// NewAdapter creates a manifest adapter for the file at path.
func NewAdapter(path string) *Adapter {
	return &Adapter{path: path}
}

func (a *Adapter) GetSourceID() string { return SourceID }

func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Manifest (%s)", a.path)
}

// FetchBatch returns items from the manifest. The file is re-read whenever a
// listing starts (empty cursor) so edits are picked up between runs.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.SermonItem, string, error) {
	if cursor == "" || a.items == nil {
		if err := a.load(ctx); err != nil {
			return nil, "", fmt.Errorf("failed to load manifest: %w", err)
		}
	}

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}
	if start >= len(a.items) {
		return []source.SermonItem{}, "", nil
	}
	if limit <= 0 {
		limit = len(a.items)
	}

	end := start + limit
	if end > len(a.items) {
		end = len(a.items)
	}
	next := ""
	if end < len(a.items) {
		next = strconv.Itoa(end)
	}
	return a.items[start:end], next, nil
}

func (a *Adapter) load(ctx context.Context) error {
	file, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer file.Close()

	items := []source.SermonItem{}
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			logger.CtxWarn(ctx, "Skipping malformed manifest line %d: %v", lineNo, err)
			continue
		}
		if e.ID == "" || e.URL == "" {
			logger.CtxWarn(ctx, "Skipping manifest line %d: id and url are required", lineNo)
			continue
		}
		if _, err := source.ValidateSermonURL(e.URL); err != nil {
			logger.CtxWarn(ctx, "Skipping manifest line %d: %v", lineNo, err)
			continue
		}

		items = append(items, source.SermonItem{
			SourceID:   e.ID,
			URL:        e.URL,
			Title:      e.Title,
			Scripture:  e.Scripture,
			Pastor:     e.Pastor,
			Church:     e.Church,
			PreachedAt: parseDate(e.PreachedAt),
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].SourceID < items[j].SourceID
	})
	a.items = items
	return nil
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
