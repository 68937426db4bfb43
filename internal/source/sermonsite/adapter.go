package sermonsite

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/source"
)

const (
	// SourceID is the source_type recorded for crawled sermons.
	SourceID  = "sermonsite"
	userAgent = "SermonCrawler/1.0"
)

// Adapter crawls a church website's sermon listing pages.
//
// Every listing entry is an element with class "sermon-item" holding
// ".sermon-title", ".sermon-scripture", ".pastor-name", ".sermon-date" and a
// link to the recording. Pages are chained through a[rel=next].
type Adapter struct {
	client  *resty.Client
	limiter *rate.Limiter
	base    *url.URL
	listURL string
	church  string
}

// NewAdapter creates a crawler for the configured site.
func NewAdapter(cfg config.SermonSiteConfig) (*Adapter, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("sermonsite: invalid base_url %q", cfg.BaseURL)
	}
	listURL := base.String()
	if cfg.ListPath != "" {
		ref, err := url.Parse(cfg.ListPath)
		if err != nil {
			return nil, fmt.Errorf("sermonsite: invalid list_path %q", cfg.ListPath)
		}
		listURL = base.ResolveReference(ref).String()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", userAgent)
	client.SetHeader("Accept", "text/html")

	return &Adapter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		base:    base,
		listURL: listURL,
		church:  cfg.Church,
	}, nil
}

func (a *Adapter) GetSourceID() string { return SourceID }

func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Sermon site (%s)", a.base.Host)
}

// FetchBatch fetches one listing page. The cursor is the page URL; limit is
// ignored because the site decides the page size.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.SermonItem, string, error) {
	pageURL := a.listURL
	if cursor != "" {
		pageURL = cursor
	}

	body, err := a.get(ctx, pageURL)
	if err != nil {
		return nil, "", err
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("sermonsite: parse %s: %w", pageURL, err)
	}

	page, _ := url.Parse(pageURL)
	items := a.extractItems(doc, page)
	return items, a.nextPage(doc, page), nil
}

func (a *Adapter) get(ctx context.Context, pageURL string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := a.client.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient(fmt.Errorf("sermonsite: fetch %s: %w", pageURL, err))
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return resp.Body(), nil
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, domain.Transient(fmt.Errorf("sermonsite: fetch %s: HTTP %d", pageURL, code))
	default:
		return nil, fmt.Errorf("sermonsite: fetch %s: HTTP %d", pageURL, code)
	}
}

func (a *Adapter) extractItems(doc *html.Node, page *url.URL) []source.SermonItem {
	var items []source.SermonItem
	seen := make(map[string]bool)
	for _, n := range findAll(doc, func(n *html.Node) bool { return hasClass(n, "sermon-item") }) {
		link := findFirst(n, func(n *html.Node) bool { return n.Data == "a" && attr(n, "href") != "" })
		if link == nil {
			continue
		}
		ref, err := url.Parse(strings.TrimSpace(attr(link, "href")))
		if err != nil {
			continue
		}
		abs := page.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		abs.Fragment = ""
		id := abs.String()
		if seen[id] {
			continue
		}
		seen[id] = true

		title := textOf(n, "sermon-title")
		if title == "" {
			title = strings.TrimSpace(textContent(link))
		}
		items = append(items, source.SermonItem{
			SourceID:   id,
			URL:        id,
			Title:      title,
			Scripture:  textOf(n, "sermon-scripture"),
			Pastor:     textOf(n, "pastor-name"),
			Church:     a.church,
			PreachedAt: parseDate(textOf(n, "sermon-date")),
		})
	}
	return items
}

// nextPage returns the absolute URL of a[rel=next] when it stays on the
// configured host.
func (a *Adapter) nextPage(doc *html.Node, page *url.URL) string {
	link := findFirst(doc, func(n *html.Node) bool {
		if n.Data != "a" || attr(n, "href") == "" {
			return false
		}
		for _, rel := range strings.Fields(attr(n, "rel")) {
			if rel == "next" {
				return true
			}
		}
		return false
	})
	if link == nil {
		return ""
	}
	ref, err := url.Parse(attr(link, "href"))
	if err != nil {
		return ""
	}
	next := page.ResolveReference(ref)
	if next.Host != a.base.Host {
		return ""
	}
	return next.String()
}

var dateLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
	"2 January 2006",
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
