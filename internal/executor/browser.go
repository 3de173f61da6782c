package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// Agent coordinates arrive on a 0-999 grid; the browser runs a fixed viewport
// so scaling stays deterministic across runs.
const (
	viewportWidth  = 1280
	viewportHeight = 800
	coordGrid      = 1000
)

// BrowserOptions configures the chromedp-backed executor.
type BrowserOptions struct {
	// Headless hides the browser window.
	Headless bool
	// DevtoolsURL attaches to an already-running Chrome (e.g. a container)
	// instead of launching a local process.
	DevtoolsURL string
	// ActionTimeout bounds a single Perform call. Zero means 30s.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

// BrowserExecutor drives a Chrome instance through the devtools protocol.
type BrowserExecutor struct {
	mu            sync.Mutex
	opts          BrowserOptions
	logger        *slog.Logger
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

// NewBrowserExecutor creates a browser executor. The browser itself starts
// lazily on the first action.
func NewBrowserExecutor(opts BrowserOptions) *BrowserExecutor {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserExecutor{opts: opts, logger: logger}
}

func (b *BrowserExecutor) initBrowser(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	if b.opts.DevtoolsURL != "" {
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.opts.DevtoolsURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoSandbox,
			chromedp.Flag("headless", b.opts.Headless),
			chromedp.Flag("no-first-run", true),
			chromedp.Flag("no-default-browser-check", true),
		)
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	if err := chromedp.Run(b.browserCtx, chromedp.EmulateViewport(viewportWidth, viewportHeight)); err != nil {
		b.cleanup()
		return fmt.Errorf("start browser: %w", err)
	}
	return nil
}

func (b *BrowserExecutor) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the browser down.
func (b *BrowserExecutor) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
	return nil
}

// Perform executes one action and observes the resulting page state.
func (b *BrowserExecutor) Perform(ctx context.Context, a Action) (Observation, error) {
	if err := b.initBrowser(ctx); err != nil {
		return Observation{}, &Fault{Action: a.Name, Reason: err.Error()}
	}

	actionCtx, cancel := context.WithTimeout(b.browserCtx, b.opts.ActionTimeout)
	defer cancel()

	tasks, err := b.tasksFor(a)
	if err != nil {
		return Observation{}, err
	}

	if err := chromedp.Run(actionCtx, tasks...); err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", b.opts.ActionTimeout)
		}
		return Observation{}, &Fault{Action: a.Name, Reason: reason}
	}

	return b.observe(actionCtx, a)
}

// Screenshot captures the current viewport.
func (b *BrowserExecutor) Screenshot(ctx context.Context) ([]byte, error) {
	if err := b.initBrowser(ctx); err != nil {
		return nil, err
	}
	shotCtx, cancel := context.WithTimeout(b.browserCtx, b.opts.ActionTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (b *BrowserExecutor) observe(ctx context.Context, a Action) (Observation, error) {
	var loc, title string
	var buf []byte
	err := chromedp.Run(ctx,
		chromedp.Location(&loc),
		chromedp.Title(&title),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		return Observation{}, &Fault{Action: a.Name, Reason: fmt.Sprintf("observe page state: %s", err)}
	}
	return Observation{
		Summary:    fmt.Sprintf("performed %s; page %q at %s", a.Name, title, loc),
		Screenshot: buf,
	}, nil
}

// tasksFor maps an agent action onto chromedp tasks.
func (b *BrowserExecutor) tasksFor(a Action) (chromedp.Tasks, error) {
	switch a.Name {
	case "click_at":
		x, y, err := scaledXY(a)
		if err != nil {
			return nil, err
		}
		return chromedp.Tasks{chromedp.MouseClickXY(x, y)}, nil

	case "hover_at":
		x, y, err := scaledXY(a)
		if err != nil {
			return nil, err
		}
		return chromedp.Tasks{mouseMove(x, y)}, nil

	case "type_text_at":
		x, y, err := scaledXY(a)
		if err != nil {
			return nil, err
		}
		text := a.StringArg("text")
		tasks := chromedp.Tasks{
			chromedp.MouseClickXY(x, y),
			chromedp.ActionFunc(func(ctx context.Context) error {
				return input.InsertText(text).Do(ctx)
			}),
		}
		if pressEnter, _ := a.Args["press_enter"].(bool); pressEnter {
			tasks = append(tasks, chromedp.KeyEvent(kb.Enter))
		}
		return tasks, nil

	case "key_combination":
		keys := a.StringArg("keys")
		chord, err := keyChord(keys)
		if err != nil {
			return nil, err
		}
		return chromedp.Tasks{chromedp.KeyEvent(chord)}, nil

	case "scroll_at":
		x, y, err := scaledXY(a)
		if err != nil {
			return nil, err
		}
		dx, dy := wheelDeltas(a.StringArg("direction"), scrollMagnitude(a))
		return chromedp.Tasks{mouseWheel(x, y, dx, dy)}, nil

	case "scroll_document":
		switch a.StringArg("direction") {
		case "up":
			return chromedp.Tasks{chromedp.Evaluate(`window.scrollBy(0, -window.innerHeight)`, nil)}, nil
		case "down", "":
			return chromedp.Tasks{chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil)}, nil
		case "top":
			return chromedp.Tasks{chromedp.Evaluate(`window.scrollTo(0, 0)`, nil)}, nil
		case "bottom":
			return chromedp.Tasks{chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil)}, nil
		}
		return nil, &Fault{Action: a.Name, Reason: fmt.Sprintf("unknown scroll direction %q", a.StringArg("direction"))}

	case "navigate", "open_web_browser":
		target := a.StringArg("url")
		if target == "" {
			target = "about:blank"
		}
		return chromedp.Tasks{chromedp.Navigate(target)}, nil

	case "go_back":
		return chromedp.Tasks{chromedp.NavigateBack()}, nil

	case "go_forward":
		return chromedp.Tasks{chromedp.NavigateForward()}, nil

	case "wait_5_seconds":
		return chromedp.Tasks{chromedp.Sleep(5 * time.Second)}, nil

	case "drag_and_drop":
		x, y, err := scaledXY(a)
		if err != nil {
			return nil, err
		}
		dx, ok1 := a.IntArg("destination_x")
		dy, ok2 := a.IntArg("destination_y")
		if !ok1 || !ok2 {
			return nil, &Fault{Action: a.Name, Reason: "missing destination coordinates"}
		}
		destX := float64(dx) * viewportWidth / coordGrid
		destY := float64(dy) * viewportHeight / coordGrid
		return chromedp.Tasks{drag(x, y, destX, destY)}, nil

	case "search":
		q := a.StringArg("query")
		return chromedp.Tasks{chromedp.Navigate("https://www.google.com/search?q=" + url.QueryEscape(q))}, nil
	}
	return nil, &Fault{Action: a.Name, Reason: "unsupported action"}
}

// scaledXY converts 0-999 grid coordinates to viewport pixels.
func scaledXY(a Action) (float64, float64, error) {
	x, okX := a.IntArg("x")
	y, okY := a.IntArg("y")
	if !okX || !okY {
		return 0, 0, &Fault{Action: a.Name, Reason: "missing x/y coordinates"}
	}
	return float64(x) * viewportWidth / coordGrid, float64(y) * viewportHeight / coordGrid, nil
}

func scrollMagnitude(a Action) float64 {
	if v, ok := a.IntArg("magnitude"); ok && v > 0 {
		return float64(v) * viewportHeight / coordGrid
	}
	return viewportHeight / 2
}

func wheelDeltas(direction string, magnitude float64) (dx, dy float64) {
	switch direction {
	case "up":
		return 0, -magnitude
	case "left":
		return -magnitude, 0
	case "right":
		return magnitude, 0
	default:
		return 0, magnitude
	}
}

func mouseMove(x, y float64) chromedp.Action {
	return chromedp.MouseEvent(input.MouseMoved, x, y)
}

func mouseWheel(x, y, dx, dy float64) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(dx).
			WithDeltaY(dy).
			Do(ctx)
	})
}

func drag(fromX, fromY, toX, toY float64) chromedp.Action {
	return chromedp.Tasks{
		chromedp.MouseEvent(input.MousePressed, fromX, fromY, chromedp.Button("left"), chromedp.ClickCount(1)),
		chromedp.MouseEvent(input.MouseMoved, toX, toY),
		chromedp.MouseEvent(input.MouseReleased, toX, toY, chromedp.Button("left"), chromedp.ClickCount(1)),
	}
}

// keyChord maps a key-combination string like "control+a" or "enter" to the
// rune sequence chromedp.KeyEvent expects.
func keyChord(keys string) (string, error) {
	named := map[string]string{
		"enter":     kb.Enter,
		"return":    kb.Enter,
		"tab":       kb.Tab,
		"escape":    kb.Escape,
		"esc":       kb.Escape,
		"backspace": kb.Backspace,
		"delete":    kb.Delete,
		"up":        kb.ArrowUp,
		"down":      kb.ArrowDown,
		"left":      kb.ArrowLeft,
		"right":     kb.ArrowRight,
		"home":      kb.Home,
		"end":       kb.End,
		"pageup":    kb.PageUp,
		"pagedown":  kb.PageDown,
	}

	parts := strings.Split(strings.ToLower(strings.TrimSpace(keys)), "+")
	var chord strings.Builder
	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch part {
		case "":
			continue
		case "control", "ctrl", "alt", "shift", "meta", "cmd":
			// Modifier handling is limited to what InsertText-style chords
			// express; plain modifiers are dropped rather than mis-sent.
			continue
		default:
			if seq, ok := named[part]; ok {
				chord.WriteString(seq)
			} else {
				chord.WriteString(part)
			}
		}
	}
	if chord.Len() == 0 {
		return "", &Fault{Action: "key_combination", Reason: fmt.Sprintf("unusable key combination %q", keys)}
	}
	return chord.String(), nil
}
