package mail

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"

	"mailrlm/internal/models"
)

// BrowserOptions configures the webmail scraper.
type BrowserOptions struct {
	// URL is the webmail inbox, e.g. https://mail.google.com/mail/u/0.
	URL string
	// ExecPath overrides the browser binary location.
	ExecPath string
	Headless bool
	// MaxScrape caps how many rows one scrape collects. Defaults to 200.
	MaxScrape int
	// PageDelay is the politeness delay between list pages. Defaults to 2s.
	PageDelay time.Duration
	// Timeout bounds the whole scrape. Defaults to 120s.
	Timeout time.Duration
}

// BrowserSource drives a headless browser over a webmail list view and
// serves the scraped rows through the paged Source interface. The scrape
// happens once, on first Search.
type BrowserSource struct {
	opts    BrowserOptions
	limiter *rate.Limiter

	mu      sync.Mutex
	scraped bool
	order   []string
	byID    map[string]models.EmailRecord
}

// NewBrowserSource prepares a scraper; no browser is started until the
// first Search.
func NewBrowserSource(opts BrowserOptions) *BrowserSource {
	if opts.MaxScrape <= 0 {
		opts.MaxScrape = 200
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &BrowserSource{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.PageDelay), 1),
		byID:    map[string]models.EmailRecord{},
	}
}

const scrapeUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

type browserRow struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
}

// listRowsJS reads the visible message rows. Gmail renders the list as
// tr.zA rows; header rows carry no td.
const listRowsJS = `Array.from(document.querySelectorAll('tr.zA'))
	.filter(row => row.querySelector('td') !== null)
	.map(row => ({
		subject: row.querySelector('.bog')?.textContent?.trim() || '(No Subject)',
		from: row.querySelector('.yW [email]')?.getAttribute('email') || row.querySelector('.yW')?.textContent?.trim() || '',
		date: row.querySelector('.xW span')?.getAttribute('title') || row.querySelector('.xW')?.textContent?.trim() || '',
		snippet: row.querySelector('.y2')?.textContent?.replace(/^\s*[-– ]\s*/, '').trim() || ''
	}))`

const olderButtonJS = `(() => {
	let btn = Array.from(document.querySelectorAll('button, div[role="button"]'))
		.find(b => (b.getAttribute('aria-label') || '').includes('Older'));
	if (!btn) {
		btn = document.querySelector('[title*="Older"], [data-tooltip*="Older"]');
	}
	if (!btn || btn.getAttribute('aria-disabled') === 'true') {
		return false;
	}
	btn.click();
	return true;
})()`

// Search scrapes the mailbox once, then pages over the collected ids. The
// continuation token is the numeric offset into the scrape.
func (b *BrowserSource) Search(ctx context.Context, query, pageToken string, pageSize int) ([]string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.scraped {
		if err := b.scrape(ctx, query); err != nil {
			return nil, "", err
		}
		b.scraped = true
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("bad page token %q", pageToken)
		}
		offset = n
	}
	if offset >= len(b.order) {
		return nil, "", nil
	}

	end := offset + pageSize
	if end > len(b.order) {
		end = len(b.order)
	}
	next := ""
	if end < len(b.order) {
		next = strconv.Itoa(end)
	}
	return b.order[offset:end], next, nil
}

// Fetch returns a scraped record, trimmed to the requested detail level.
func (b *BrowserSource) Fetch(ctx context.Context, id string, format models.FormatLevel) (models.EmailRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.byID[id]
	if !ok {
		return models.EmailRecord{}, fmt.Errorf("unknown message id %q", id)
	}
	switch format {
	case models.FormatMinimal:
		return models.EmailRecord{ID: r.ID, ThreadID: r.ThreadID, Date: r.Date}, nil
	case models.FormatMetadata:
		r.Body = ""
		return r, nil
	default:
		return r, nil
	}
}

func (b *BrowserSource) scrape(ctx context.Context, query string) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if b.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.opts.ExecPath))
	}
	if !b.opts.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, b.opts.Timeout)
	defer cancel()

	target := b.opts.URL
	if query != "" {
		target = strings.TrimRight(b.opts.URL, "/") + "/#search/" + url.PathEscape(query)
	}

	if err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Webmail frontends serve a degraded list view to headless UAs.
			return emulation.SetUserAgentOverride(scrapeUserAgent).Do(ctx)
		}),
		chromedp.Navigate(target),
		chromedp.WaitReady("body"),
	); err != nil {
		return &SourceError{Op: "browser navigate", Err: err}
	}

	var rows []browserRow
	for len(rows) < b.opts.MaxScrape {
		if err := b.limiter.Wait(browserCtx); err != nil {
			return &SourceError{Op: "browser scrape", Err: err}
		}

		var page []browserRow
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(listRowsJS, &page)); err != nil {
			return &SourceError{Op: "browser scrape", Err: err}
		}
		rows = append(rows, page...)

		var advanced bool
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(olderButtonJS, &advanced)); err != nil {
			return &SourceError{Op: "browser scrape", Err: err}
		}
		if !advanced || len(page) == 0 {
			break
		}
	}
	if len(rows) > b.opts.MaxScrape {
		rows = rows[:b.opts.MaxScrape]
	}

	provider := providerFor(b.opts.URL)
	for i, row := range rows {
		r := models.EmailRecord{
			ID:       browserEmailID(provider, i),
			ThreadID: browserThreadID(row.Subject),
			Subject:  row.Subject,
			From:     row.From,
			Date:     normalizeDate(row.Date),
			Snippet:  row.Snippet,
		}
		b.order = append(b.order, r.ID)
		b.byID[r.ID] = r
	}
	return nil
}

func providerFor(rawURL string) string {
	switch {
	case strings.Contains(rawURL, "mail.google.com"), strings.Contains(rawURL, "gmail.com"):
		return "gmail"
	case strings.Contains(rawURL, "outlook.office365.com"):
		return "o365"
	case strings.Contains(rawURL, "outlook.office.com"), strings.Contains(rawURL, "outlook.com"):
		return "exchange"
	default:
		return "webmail"
	}
}

func browserEmailID(provider string, index int) string {
	return fmt.Sprintf("browser_email_%s_%06d", provider, index)
}

func browserThreadID(subject string) string {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(subject))))
	return fmt.Sprintf("browser_thread_%08x", h.Sum32())
}

var rfc2822Prefix = regexp.MustCompile(`^\w+, \d+ \w+ \d{4} \d{2}:\d{2}:\d{2}`)

var browserDateFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"1/2/2006 15:04",
	"2/1/2006 15:04",
}

// normalizeDate reformats scraped dates to the RFC 2822 shape the rest of
// the pipeline parses. Unrecognized inputs pass through unchanged.
func normalizeDate(dateStr string) string {
	s := strings.TrimSpace(dateStr)
	if s == "" {
		return s
	}
	if rfc2822Prefix.MatchString(s) {
		return s
	}
	for _, layout := range browserDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("Mon, 02 Jan 2006 15:04:05 +0000")
		}
	}
	return s
}
