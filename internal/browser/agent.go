// Package browser implements the automation agent on top of chromedp. One
// Agent owns one browser process; every session handle is an isolated tab
// context derived from it.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/config"
)

// Agent implements schemas.AutomationAgent. Browser startup is deferred
// until the first session is opened.
type Agent struct {
	logger   *zap.Logger
	cfg      config.BrowserConfig
	compiler *instructionCompiler

	allocCtx    context.Context
	allocCancel context.CancelFunc

	initOnce sync.Once
}

var _ schemas.AutomationAgent = (*Agent)(nil)

// handle is the concrete schemas.SessionHandle: one chromedp tab context.
type handle struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (h *handle) ID() string { return h.id }

// New creates a browser agent. The llm client powers the instruction
// compiler that turns natural-language instructions into concrete browser
// commands.
func New(cfg config.BrowserConfig, llm schemas.LLMClient, logger *zap.Logger) *Agent {
	agentLogger := logger.Named("browser_agent")
	return &Agent{
		logger:   agentLogger,
		cfg:      cfg,
		compiler: newInstructionCompiler(llm, agentLogger),
	}
}

// initialize launches the shared exec allocator exactly once. Allocation
// cannot fail here; a broken browser install surfaces on the first Run.
func (a *Agent) initialize() {
	a.initOnce.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoSandbox,
			chromedp.DisableGPU,
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if a.cfg.Headless {
			opts = append(opts, chromedp.Headless)
		}
		for _, arg := range a.cfg.Args {
			opts = append(opts, chromedp.Flag(arg, true))
		}

		a.allocCtx, a.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		a.logger.Info("Browser allocator initialized.", zap.Bool("headless", a.cfg.Headless))
	})
}

// Open creates a fresh, isolated browser context and navigates to startURL
// when one is given.
func (a *Agent) Open(ctx context.Context, startURL string) (schemas.SessionHandle, error) {
	a.initialize()

	tabCtx, tabCancel := chromedp.NewContext(a.allocCtx)

	h := &handle{
		id:     uuid.NewString(),
		ctx:    tabCtx,
		cancel: tabCancel,
	}

	actions := []chromedp.Action{}
	if a.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(a.cfg.UserAgent))
	}
	if startURL != "" {
		actions = append(actions, chromedp.Navigate(startURL))
	} else {
		// Running an empty action list still forces tab creation, so a
		// broken browser install fails here rather than mid-task.
		actions = append(actions, chromedp.Evaluate("1", nil))
	}

	if err := a.run(ctx, h, a.cfg.NavigationTimeout, actions...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}

	a.logger.Info("Browser session opened.",
		zap.String("session_id", h.id),
		zap.String("start_url", startURL),
	)
	return h, nil
}

// Act compiles and executes a state-changing instruction.
func (a *Agent) Act(ctx context.Context, sh schemas.SessionHandle, instruction string) (string, error) {
	h, err := a.resolve(sh)
	if err != nil {
		return "", err
	}

	cmd, err := a.compiler.compile(ctx, instruction, false)
	if err != nil {
		return "", err
	}
	return a.execute(ctx, h, cmd)
}

// Query compiles and executes a read-only instruction, returning the
// extracted data.
func (a *Agent) Query(ctx context.Context, sh schemas.SessionHandle, instruction string) (string, error) {
	h, err := a.resolve(sh)
	if err != nil {
		return "", err
	}

	cmd, err := a.compiler.compile(ctx, instruction, true)
	if err != nil {
		return "", err
	}
	return a.execute(ctx, h, cmd)
}

// Snapshot captures the observable state of the session: current URL,
// title, and a full-page screenshot.
func (a *Agent) Snapshot(ctx context.Context, sh schemas.SessionHandle) (schemas.StateBlob, error) {
	h, err := a.resolve(sh)
	if err != nil {
		return schemas.StateBlob{}, err
	}

	var blob schemas.StateBlob
	err = a.run(ctx, h, a.cfg.ActionTimeout,
		chromedp.Location(&blob.URL),
		chromedp.Title(&blob.Title),
		chromedp.FullScreenshot(&blob.ScreenshotPNG, 80),
	)
	if err != nil {
		return schemas.StateBlob{}, fmt.Errorf("failed to capture state snapshot: %w", err)
	}
	return blob, nil
}

// Close tears the session's browser context down. Idempotent.
func (a *Agent) Close(ctx context.Context, sh schemas.SessionHandle) error {
	h, err := a.resolve(sh)
	if err != nil {
		return err
	}
	h.closeOnce.Do(func() {
		h.cancel()
		a.logger.Debug("Browser session closed.", zap.String("session_id", h.id))
	})
	return nil
}

// Shutdown stops the shared browser process. Sessions must be closed first.
func (a *Agent) Shutdown() {
	if a.allocCancel != nil {
		a.allocCancel()
		a.logger.Info("Browser allocator shut down.")
	}
}

func (a *Agent) resolve(sh schemas.SessionHandle) (*handle, error) {
	h, ok := sh.(*handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("session handle %T does not belong to this agent", sh)
	}
	return h, nil
}

// run executes chromedp actions on the handle's tab context under a
// timeout, while still honoring cancellation of the caller's context.
func (a *Agent) run(ctx context.Context, h *handle, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opCtx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
