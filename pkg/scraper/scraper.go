package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/processor"
)

type ScraperConfig struct {
	BaseURL           string
	MaxDepth          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	OnPage            func(url string)
}

// Scraper crawls pages on one host and keeps their readable text.
type Scraper struct {
	config   ScraperConfig
	client   *http.Client
	visited  map[string]bool
	limiter  *rate.Limiter
	baseHost string
	log      zerolog.Logger
}

func NewWithConfig(config ScraperConfig, log zerolog.Logger) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: missing host", config.BaseURL)
	}

	return &Scraper{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		visited:  make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseHost: parsedURL.Host,
		log:      log.With().Str("component", "scraper").Logger(),
	}, nil
}

func (s *Scraper) shouldProcessURL(urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false
	}
	if parsedURL.Host != s.baseHost {
		return false
	}

	p := strings.ToLower(parsedURL.Path)
	ext := path.Ext(p)
	if strings.HasSuffix(p, "/") {
		ext = "/"
	}
	allowed := false
	for _, a := range s.config.AllowedExtensions {
		if a == ext {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}
	return true
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return strings.Join(strings.Fields(content), " ")
}

func extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, noscript").Remove()

	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}
	if content == "" {
		content = doc.Find("body").Text()
	}
	return cleanContent(content)
}

// Scrape crawls from startURL and returns every page that had text.
// Pages that fail to load are logged and skipped.
func (s *Scraper) Scrape(ctx context.Context, startURL string) ([]models.Page, error) {
	if !s.shouldProcessURL(startURL) {
		return nil, fmt.Errorf("url %s is outside the crawl scope", startURL)
	}
	var pages []models.Page
	if err := s.scrapeRecursive(ctx, startURL, 0, &pages); err != nil {
		return pages, err
	}
	return pages, nil
}

func (s *Scraper) scrapeRecursive(ctx context.Context, urlStr string, depth int, pages *[]models.Page) error {
	if depth > s.config.MaxDepth || s.visited[urlStr] || !s.shouldProcessURL(urlStr) {
		return nil
	}
	s.visited[urlStr] = true

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if s.config.OnPage != nil {
		s.config.OnPage(urlStr)
	}

	doc, resp, err := s.fetch(ctx, urlStr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Str("url", urlStr).Msg("Skipping page")
		return nil
	}

	if content := extractMainContent(doc); content != "" {
		*pages = append(*pages, models.Page{
			URL:     urlStr,
			Title:   strings.TrimSpace(doc.Find("title").First().Text()),
			Content: content,
			Metadata: map[string]interface{}{
				"depth":         depth,
				"content_type":  resp.Header.Get("Content-Type"),
				"last_modified": resp.Header.Get("Last-Modified"),
			},
		})
	}

	base, _ := url.Parse(urlStr)
	var links []string
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			s.log.Debug().Err(err).Str("href", href).Msg("Bad link")
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		links = append(links, abs.String())
	})

	for _, link := range links {
		if err := s.scrapeRecursive(ctx, link, depth+1, pages); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scraper) fetch(ctx context.Context, urlStr string) (*goquery.Document, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, urlStr)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return doc, resp, nil
}

// Uploads turns crawled pages into plain-text files for ingestion. The
// page title heads the text.
func Uploads(pages []models.Page) []models.FileUpload {
	uploads := make([]models.FileUpload, 0, len(pages))
	for _, p := range pages {
		body := p.Content
		if p.Title != "" {
			body = p.Title + "\n\n" + body
		}
		uploads = append(uploads, models.FileUpload{
			Filename:    p.URL,
			ContentType: processor.MimePlainText,
			Data:        []byte(body),
		})
	}
	return uploads
}
