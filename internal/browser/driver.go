// Package browser implements the external browser-automation contract with a
// real Chrome driven over CDP. One Driver is one browser handle; the session
// layer guarantees exclusive ownership.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
	"github.com/voxcraft/vox-cli/internal/config"
)

const closeTimeout = 15 * time.Second

// Driver drives one Chrome instance through chromedp.
type Driver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserClose context.CancelFunc
}

// NewDriver launches a browser and returns its handle. The caller owns the
// handle and must Close it.
func NewDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("no-first-run", true),
	)
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserClose := chromedp.NewContext(allocCtx)

	// Launch eagerly so handle acquisition fails here, not on first step.
	if err := chromedp.Run(browserCtx); err != nil {
		browserClose()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	for _, dir := range []string{cfg.ScreenshotDir, cfg.DownloadDir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				browserClose()
				allocCancel()
				return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
			}
		}
	}

	return &Driver{
		cfg:          cfg,
		logger:       logger.Named("browser"),
		allocCtx:     allocCtx,
		allocCancel:  allocCancel,
		browserCtx:   browserCtx,
		browserClose: browserClose,
	}, nil
}

// run executes actions against the handle, honoring the caller's deadline and
// classifying failures for the retry policy.
func (d *Driver) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := mergeDeadline(d.browserCtx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	return classify(op, err)
}

// classify maps a chromedp failure onto the execution error taxonomy.
// Deadline expiry and connection loss are retryable; selector and node
// failures are not, because retrying them against a stabilized DOM cannot
// change the outcome.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &schemas.TransientExecutionError{Op: op, Err: err}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "waiting for selector"),
		strings.Contains(msg, "invalid selector"),
		strings.Contains(msg, "DOM Error"):
		return &schemas.PermanentExecutionError{Op: op, Reason: "element not found", Err: err}
	case strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "net::ERR_CERT"):
		return &schemas.PermanentExecutionError{Op: op, Reason: "unreachable target", Err: err}
	case strings.Contains(msg, "net::"),
		strings.Contains(msg, "websocket"),
		strings.Contains(msg, "connection"):
		return &schemas.TransientExecutionError{Op: op, Err: err}
	default:
		return &schemas.PermanentExecutionError{Op: op, Reason: "browser operation failed", Err: err}
	}
}

func (d *Driver) Navigate(ctx context.Context, rawURL string) (map[string]any, error) {
	var finalURL, title string
	err := d.run(ctx, "navigate",
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": finalURL, "title": title}, nil
}

// Search types the query into the page's search box and submits it. The box
// selector is a configurable hint defaulting to the common engine input.
func (d *Driver) Search(ctx context.Context, query string) (map[string]any, error) {
	sel := d.cfg.SearchBoxHint
	if sel == "" {
		sel = `input[name="q"]`
	}
	var finalURL, title string
	err := d.run(ctx, "search",
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, query+kb.Enter, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": finalURL, "title": title, "query": query}, nil
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	return d.run(ctx, "click",
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (d *Driver) Type(ctx context.Context, selector, text string) error {
	return d.run(ctx, "type",
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

// extraction scripts per data type, mirroring the page-side harvesting the
// original agent ran.
const (
	linksJS = `Array.from(document.querySelectorAll('a'))
        .map(a => ({url: a.href || '', text: (a.textContent || '').trim()}))`
	imagesJS = `Array.from(document.querySelectorAll('img'))
        .map(img => ({src: img.src || '', alt: img.alt || ''}))`
	formsJS = `Array.from(document.querySelectorAll('form')).map(form => ({
        action: form.getAttribute('action') || '',
        method: (form.getAttribute('method') || 'GET').toUpperCase(),
        fields: Array.from(form.querySelectorAll('input, select, textarea')).map(f => ({
            type: (f.getAttribute('type') || f.tagName || '').toLowerCase(),
            name: f.getAttribute('name') || '',
            id: f.id || ''
        }))
    }))`
)

func (d *Driver) Extract(ctx context.Context, dataType, selector string) (map[string]any, error) {
	switch dataType {
	case "links":
		var links []map[string]any
		if err := d.run(ctx, "extract", chromedp.Evaluate(linksJS, &links)); err != nil {
			return nil, err
		}
		return map[string]any{"links": links, "count": len(links)}, nil
	case "images":
		var images []map[string]any
		if err := d.run(ctx, "extract", chromedp.Evaluate(imagesJS, &images)); err != nil {
			return nil, err
		}
		return map[string]any{"images": images, "count": len(images)}, nil
	case "forms":
		var forms []map[string]any
		if err := d.run(ctx, "extract", chromedp.Evaluate(formsJS, &forms)); err != nil {
			return nil, err
		}
		return map[string]any{"forms": forms, "count": len(forms)}, nil
	default:
		sel := selector
		if sel == "" {
			sel = "body"
		}
		var text, title, loc string
		err := d.run(ctx, "extract",
			chromedp.Text(sel, &text, chromedp.ByQuery),
			chromedp.Title(&title),
			chromedp.Location(&loc),
		)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text, "title": title, "url": loc}, nil
	}
}

func (d *Driver) Scroll(ctx context.Context, direction string, amount int) error {
	if amount <= 0 {
		amount = 800
	}
	if direction == "up" {
		amount = -amount
	}
	js := fmt.Sprintf("window.scrollBy(0, %d)", amount)
	return d.run(ctx, "scroll", chromedp.Evaluate(js, nil))
}

// Wait blocks on a condition: "visible:<selector>" waits for the element,
// anything else is treated as a plain sleep of the given timeout.
func (d *Driver) Wait(ctx context.Context, condition string, timeout time.Duration) error {
	if sel, ok := strings.CutPrefix(condition, "visible:"); ok {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.run(waitCtx, "wait", chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	return d.run(ctx, "wait", chromedp.Sleep(timeout))
}

func (d *Driver) Screenshot(ctx context.Context) (string, error) {
	var buf []byte
	if err := d.run(ctx, "screenshot", chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", err
	}
	ref := filepath.Join(d.cfg.ScreenshotDir, uuid.NewString()+".png")
	if err := os.WriteFile(ref, buf, 0o644); err != nil {
		return "", &schemas.PermanentExecutionError{Op: "screenshot", Reason: "failed to persist image", Err: err}
	}
	return ref, nil
}

func (d *Driver) FillForm(ctx context.Context, fields map[string]string) error {
	for name, value := range fields {
		sel := fieldSelector(name)
		if err := d.run(ctx, "fill_form",
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, value, chromedp.ByQuery),
		); err != nil {
			return err
		}
	}
	return nil
}

// fieldSelector accepts either a CSS selector or a bare field name.
func fieldSelector(name string) string {
	if strings.ContainsAny(name, "#.[> ") {
		return name
	}
	return fmt.Sprintf(`[name=%q], #%s`, name, name)
}

// Download points the browser's download behavior at the configured
// directory and navigates to the URL, returning the expected file ref.
func (d *Driver) Download(ctx context.Context, rawURL string) (string, error) {
	err := d.run(ctx, "download",
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(d.cfg.DownloadDir),
		chromedp.Navigate(rawURL),
	)
	if err != nil {
		// Chrome aborts the navigation once the download starts; that
		// particular failure means the transfer began.
		if !strings.Contains(err.Error(), "net::ERR_ABORTED") {
			return "", err
		}
	}
	name := filepath.Base(rawURL)
	if u, perr := url.Parse(rawURL); perr == nil && u.Path != "" && u.Path != "/" {
		name = filepath.Base(u.Path)
	}
	return filepath.Join(d.cfg.DownloadDir, name), nil
}

func (d *Driver) Upload(ctx context.Context, selector, fileRef string) error {
	return d.run(ctx, "upload",
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetUploadFiles(selector, []string{fileRef}, chromedp.ByQuery),
	)
}

// Close tears the browser down. Uses its own deadline so shutdown cannot
// hang on a wedged handle.
func (d *Driver) Close(_ context.Context) error {
	defer d.allocCancel()
	defer d.browserClose()

	closeCtx, cancel := context.WithTimeout(d.browserCtx, closeTimeout)
	defer cancel()
	if err := chromedp.Cancel(closeCtx); err != nil {
		d.logger.Warn("Browser close reported error", zap.Error(err))
	}
	return nil
}

// mergeDeadline derives a run context from the browser context that also
// respects the step context's deadline and cancellation.
func mergeDeadline(browserCtx, stepCtx context.Context) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if deadline, ok := stepCtx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(browserCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(browserCtx)
	}
	stop := context.AfterFunc(stepCtx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
