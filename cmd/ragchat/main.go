package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/ragchat/internal/app"
	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/config"
	"github.com/xhad/ragchat/pkg/ingest"
	"github.com/xhad/ragchat/pkg/logging"
	"github.com/xhad/ragchat/pkg/scraper"
)

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

type options struct {
	configPath string
	files      fileList
	docsURL    string
	owner      int64
	stats      bool
	clear      bool
	searchK    int
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func main() {
	opts := parseFlags()

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		color.Red("Failed to load config: %v", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %v", e)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to config file")
	flag.Var(&opts.files, "file", "PDF or text file to ingest (repeatable)")
	flag.StringVar(&opts.docsURL, "docs-url", "", "Documentation URL to scrape and ingest")
	flag.Int64Var(&opts.owner, "owner", 0, "Owner id for ingested and searched documents")
	flag.BoolVar(&opts.stats, "stats", false, "Print document counts and exit")
	flag.BoolVar(&opts.clear, "clear", false, "Delete stored documents and exit")
	flag.IntVar(&opts.searchK, "k", 5, "Number of document chunks used as context")
	flag.Parse()
	return opts
}

func (o options) ownerID() *int64 {
	if o.owner == 0 {
		return nil
	}
	id := o.owner
	return &id
}

type cli struct {
	app     *app.App
	opts    options
	quiet   bool
	history []models.Turn
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	// the interactive client keeps log noise off the prompt
	logLevel := cfg.Log.Level
	if logLevel == "info" {
		logLevel = "warn"
	}
	log := logging.New(logging.Config{Level: logLevel, Pretty: true, Output: os.Stderr})

	spinner := newSpinner(" Connecting...", cfg.UI.Quiet)
	a, err := app.Build(ctx, cfg, log)
	_ = spinner.Finish()
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	c := &cli{app: a, opts: opts, quiet: cfg.UI.Quiet}

	switch {
	case opts.stats:
		c.printStats(ctx)
		return nil
	case opts.clear:
		deleted, err := a.Ingest.Clear(ctx, opts.ownerID())
		if err != nil {
			return err
		}
		color.Green("✓ Deleted %d chunks", deleted)
		return nil
	}

	if len(opts.files) > 0 {
		if err := c.ingestFiles(ctx, opts.files); err != nil {
			return err
		}
	}
	if opts.docsURL != "" {
		if err := c.ingestURL(ctx, opts.docsURL, log); err != nil {
			return err
		}
	}

	return c.chat(ctx, log)
}

func newBar(total int, description string, quiet bool) *progressbar.ProgressBar {
	var out io.Writer = os.Stderr
	if quiet {
		out = io.Discard
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func newSpinner(description string, quiet bool) *progressbar.ProgressBar {
	var out io.Writer = os.Stderr
	if quiet {
		out = io.Discard
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (c *cli) printStats(ctx context.Context) {
	stats := c.app.Ingest.Stats(ctx, c.opts.ownerID())
	color.Cyan("Total chunks: %d", stats.TotalDocuments)
	if stats.UserDocuments != nil {
		color.Cyan("Chunks owned by %d: %d", c.opts.owner, *stats.UserDocuments)
	}
}

func readUpload(path string) (models.FileUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.FileUpload{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return models.FileUpload{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	}, nil
}

func (c *cli) ingestFiles(ctx context.Context, paths []string) error {
	uploads := make([]models.FileUpload, 0, len(paths))
	for _, p := range paths {
		u, err := readUpload(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		uploads = append(uploads, u)
	}
	return c.upload(ctx, uploads, " Processing files")
}

// upload runs one ingestion batch with a bar that advances per file.
func (c *cli) upload(ctx context.Context, uploads []models.FileUpload, description string) error {
	bar := newBar(len(uploads), description, c.quiet)
	svc := ingest.New(c.app.Processor, c.app.Vectors, ingest.Config{
		Concurrency: c.app.Config.Processor.Concurrency,
		OnProgress: func(ingest.FileResult) {
			_ = bar.Add(1)
		},
	}, zerolog.Nop())

	start := time.Now()
	summary, err := svc.Upload(ctx, uploads, ingest.UploadOptions{OwnerID: c.opts.ownerID()})
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("failed to store documents: %w", err)
	}

	for _, r := range summary.Results {
		if r.Status == ingest.StatusError {
			color.Red("✗ %s: %s", r.Filename, r.Error)
		}
	}
	color.Green("✓ Stored %d chunks from %d of %d files in %s",
		summary.TotalChunks, summary.Successful, summary.TotalFiles, time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *cli) ingestURL(ctx context.Context, link string, log zerolog.Logger) error {
	var scraped int32
	bar := newBar(-1, " Scraping documentation", c.quiet)
	sc := c.app.ScraperConfig(link)
	sc.OnPage = func(string) {
		atomic.AddInt32(&scraped, 1)
		_ = bar.Add(1)
	}
	s, err := scraper.NewWithConfig(sc, log)
	if err != nil {
		_ = bar.Finish()
		return fmt.Errorf("failed to initialize scraper: %w", err)
	}

	pages, err := s.Scrape(ctx, link)
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("failed to scrape %s: %w", link, err)
	}
	color.Green("✓ Visited %d pages, %d with content", atomic.LoadInt32(&scraped), len(pages))
	if len(pages) == 0 {
		return nil
	}
	return c.upload(ctx, scraper.Uploads(pages), " Storing pages")
}

// prompt prefixes the question with the closest stored chunks.
func (c *cli) prompt(ctx context.Context, query string) string {
	spinner := newSpinner(" Searching documents...", c.quiet)
	results, err := c.app.Ingest.Search(ctx, query, c.opts.searchK, c.opts.ownerID())
	_ = spinner.Finish()
	if err != nil {
		color.Yellow("Document search failed: %v", err)
		return query
	}
	if len(results) == 0 {
		return query
	}

	var b strings.Builder
	b.WriteString("Use the following context when it is relevant.\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, r.Metadata.Source, r.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

func (c *cli) remember(turns ...models.Turn) {
	c.history = append(c.history, turns...)
	if limit := c.app.Config.LLM.HistoryLimit; limit > 0 && len(c.history) > limit {
		c.history = c.history[len(c.history)-limit:]
	}
}

func (c *cli) chat(ctx context.Context, log zerolog.Logger) error {
	color.Cyan("\nChat with your documents (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.EqualFold(query, "exit") {
			return nil
		}

		if link := urlRegex.FindString(query); link != "" {
			color.Blue("\nDetected URL: %s", link)
			if err := c.ingestURL(ctx, link, log); err != nil {
				color.Red("%v", err)
			}
			if query == link {
				continue
			}
		}

		spinner := newSpinner(" Thinking...", c.quiet)
		reply, err := c.app.Agent.Respond(ctx, c.prompt(ctx, query), c.history)
		_ = spinner.Finish()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			color.Red("Error: %v", err)
			continue
		}
		c.remember(
			models.Turn{Kind: models.UserTurn, Text: query},
			models.Turn{Kind: models.AssistantTurn, Text: reply},
		)
		assistantPrompt("\nAssistant: %s\n", reply)
	}
}
