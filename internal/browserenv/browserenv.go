// Package browserenv owns playwright-driven browser contexts for
// sessions. A Factory either launches Chromium locally or connects over
// CDP to a container from internal/browserpool.
package browserenv

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/matrixqa/matrix-runner/internal/browserpool"
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080
)

// Factory creates browser contexts. One per process.
type Factory struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	runtime string
	pool    *browserpool.Pool
}

// NewFactory starts the playwright driver. runtime is "local" or
// "docker"; pool may be nil for local.
func NewFactory(runtime string, pool *browserpool.Pool) (*Factory, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return &Factory{pw: pw, runtime: runtime, pool: pool}, nil
}

// Context is the automation browser context a session owns: one browser,
// one page. Implements models.BrowserHandle, agent.Page and
// capture.Screenshotter.
type Context struct {
	browser   playwright.Browser
	context   playwright.BrowserContext
	page      playwright.Page
	pool      *browserpool.Pool
	container string
}

// NewContext creates a browser context for a session. With the docker
// runtime a browserless container is launched and joined over CDP;
// otherwise Chromium is launched locally, honoring headless.
func (f *Factory) NewContext(ctx context.Context, sessionID string, headless bool) (*Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		browser   playwright.Browser
		container string
		err       error
	)

	if f.runtime == "docker" && f.pool != nil {
		var inst *browserpool.Instance
		inst, err = f.pool.Launch(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser container: %w", err)
		}
		container = inst.ContainerID
		browser, err = f.pw.Chromium.ConnectOverCDP(inst.CDPURL)
		if err != nil {
			f.pool.Stop(context.Background(), container)
			return nil, fmt.Errorf("failed to connect over CDP: %w", err)
		}
	} else {
		browser, err = f.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(headless),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: viewportWidth, Height: viewportHeight},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	return &Context{
		browser:   browser,
		context:   bctx,
		page:      page,
		pool:      f.pool,
		container: container,
	}, nil
}

// Close tears down the page, context, browser and (if any) container.
func (c *Context) Close() error {
	var firstErr error
	if err := c.context.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.browser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.container != "" && c.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.pool.Stop(ctx, c.container); err != nil {
			log.Printf("Warning: failed to stop container %s: %v", c.container[:12], err)
		}
	}
	return firstErr
}

// Navigate loads a URL in the session page.
func (c *Context) Navigate(url string) error {
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// Click clicks the first element matching the selector.
func (c *Context) Click(selector string) error {
	return c.page.Click(selector)
}

// Fill types a value into the element matching the selector.
func (c *Context) Fill(selector, value string) error {
	return c.page.Fill(selector, value)
}

// Text extracts visible body text from the current page.
func (c *Context) Text() (string, error) {
	body, err := c.page.QuerySelector("body")
	if err != nil {
		return "", fmt.Errorf("body query failed: %w", err)
	}
	if body == nil {
		return "", fmt.Errorf("no body element found")
	}
	text, err := body.TextContent()
	if err != nil {
		return "", fmt.Errorf("text extraction failed: %w", err)
	}
	return text, nil
}

// URL returns the page's current URL.
func (c *Context) URL() string {
	return c.page.URL()
}

// Screenshot captures the current page at the requested viewport.
// format is "png" or "jpeg"; quality only applies to jpeg.
func (c *Context) Screenshot(width, height int, format string, quality int) ([]byte, error) {
	if err := c.page.SetViewportSize(width, height); err != nil {
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}
	opts := playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	}
	if format == "jpeg" {
		opts.Type = playwright.ScreenshotTypeJpeg
		opts.Quality = playwright.Int(quality)
	} else {
		opts.Type = playwright.ScreenshotTypePng
	}
	return c.page.Screenshot(opts)
}
