package processor

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/youtube"
)

// Metadata is what the publisher sends along with the video.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
}

// BuildMetadata derives upload metadata from the sermon record.
func BuildMetadata(s *domain.Sermon, cfg config.ProcessorConfig) Metadata {
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = "Sermon"
	}
	if s.Scripture != "" && !strings.Contains(title, s.Scripture) {
		title = fmt.Sprintf("%s (%s)", title, s.Scripture)
	}

	var lines []string
	lines = append(lines, strings.TrimSpace(s.Title))
	if s.Scripture != "" {
		lines = append(lines, "Scripture: "+s.Scripture)
	}
	var who []string
	if s.Pastor != "" {
		who = append(who, "Pastor: "+s.Pastor)
	}
	if s.Church != "" {
		who = append(who, "Church: "+s.Church)
	}
	if len(who) > 0 {
		lines = append(lines, strings.Join(who, " | "))
	}
	if s.PreachedAt != nil {
		lines = append(lines, "Preached: "+s.PreachedAt.Format("January 2, 2006"))
	}
	if s.URL != "" {
		lines = append(lines, "", "Full sermon: "+s.URL)
	}
	if len(cfg.Hashtags) > 0 {
		tags := make([]string, 0, len(cfg.Hashtags))
		for _, h := range cfg.Hashtags {
			tags = append(tags, "#"+strings.TrimPrefix(h, "#"))
		}
		lines = append(lines, "", strings.Join(tags, " "))
	}

	tags := append([]string{}, cfg.DefaultTags...)
	tags = append(tags, s.Church, s.Pastor, scriptureBook(s.Scripture))

	return Metadata{
		Title:       youtube.TruncateTitle(title),
		Description: strings.TrimSpace(strings.Join(lines, "\n")),
		Tags:        youtube.LimitTags(tags),
	}
}

// scriptureBook returns the book part of a reference like "1 Peter 1:3".
func scriptureBook(ref string) string {
	fields := strings.Fields(ref)
	var book []string
	for i, f := range fields {
		// leading ordinal as in "1 Peter"
		if i == 0 && len(fields) > 1 && isNumber(f) {
			book = append(book, f)
			continue
		}
		if strings.IndexFunc(f, unicode.IsDigit) >= 0 {
			break
		}
		book = append(book, f)
	}
	return strings.Join(book, " ")
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
