package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/llmutil"
)

const compileSystemPrompt = `You translate a single natural-language browser instruction into one
concrete browser command.

Respond with a single JSON object:
{"op": "<navigate|click|type|submit|read_text|eval|wait>", "selector": "<CSS selector, when the op targets an element>", "value": "<URL, text to type, JavaScript expression, or wait duration in seconds>"}

Op semantics:
- navigate: value is the absolute URL to load.
- click: selector is the element to click.
- type: selector is the input element, value is the text to enter.
- submit: selector is the form or a control inside it.
- read_text: selector is the element whose visible text to extract. An empty
  selector reads the whole body.
- eval: value is a JavaScript expression whose string result to return.
- wait: value is a number of seconds to pause, or a selector to wait for when
  selector is set instead.

Pick exactly one op. Prefer stable selectors (ids, names, aria labels).`

// browserCommand is the structured form an instruction compiles to.
type browserCommand struct {
	Op       string `json:"op"`
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// readOnlyOps are the commands a query instruction may compile to.
var readOnlyOps = map[string]bool{
	"read_text": true,
	"eval":      true,
	"wait":      true,
}

var allOps = map[string]bool{
	"navigate":  true,
	"click":     true,
	"type":      true,
	"submit":    true,
	"read_text": true,
	"eval":      true,
	"wait":      true,
}

// instructionCompiler turns natural-language instructions into browser
// commands using the LLM.
type instructionCompiler struct {
	logger *zap.Logger
	client schemas.LLMClient
}

func newInstructionCompiler(client schemas.LLMClient, logger *zap.Logger) *instructionCompiler {
	return &instructionCompiler{
		logger: logger.Named("compiler"),
		client: client,
	}
}

// compile asks the model for the command and validates it. A readOnly
// compile rejects state-changing ops so queries cannot mutate the page.
func (c *instructionCompiler) compile(ctx context.Context, instruction string, readOnly bool) (browserCommand, error) {
	raw, err := c.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: compileSystemPrompt,
		UserPrompt:   fmt.Sprintf("Instruction: %s", instruction),
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return browserCommand{}, fmt.Errorf("instruction compilation failed: %w", err)
	}

	parsed, err := llmutil.ParseJSONResponse[browserCommand](raw)
	if err != nil {
		return browserCommand{}, fmt.Errorf("instruction compiled to unparseable command: %w", err)
	}
	cmd := *parsed

	if err := validateCommand(cmd, readOnly); err != nil {
		return browserCommand{}, err
	}

	c.logger.Debug("Instruction compiled.",
		zap.String("instruction", instruction),
		zap.String("op", cmd.Op),
		zap.String("selector", cmd.Selector),
	)
	return cmd, nil
}

func validateCommand(cmd browserCommand, readOnly bool) error {
	if !allOps[cmd.Op] {
		return fmt.Errorf("unknown browser op %q", cmd.Op)
	}
	if readOnly && !readOnlyOps[cmd.Op] {
		return fmt.Errorf("op %q is not permitted for a read-only query", cmd.Op)
	}

	switch cmd.Op {
	case "navigate":
		if !strings.HasPrefix(cmd.Value, "http://") && !strings.HasPrefix(cmd.Value, "https://") {
			return fmt.Errorf("navigate requires an absolute http(s) URL, got %q", cmd.Value)
		}
	case "click", "type", "submit":
		if strings.TrimSpace(cmd.Selector) == "" {
			return fmt.Errorf("op %q requires a selector", cmd.Op)
		}
	case "eval":
		if strings.TrimSpace(cmd.Value) == "" {
			return fmt.Errorf("eval requires a JavaScript expression")
		}
	}
	return nil
}

// execute runs a compiled command against the session's tab and returns the
// textual result the instruction produced.
func (a *Agent) execute(ctx context.Context, h *handle, cmd browserCommand) (string, error) {
	timeout := a.cfg.ActionTimeout
	var (
		result  string
		actions []chromedp.Action
	)

	switch cmd.Op {
	case "navigate":
		timeout = a.cfg.NavigationTimeout
		actions = append(actions,
			chromedp.Navigate(cmd.Value),
			chromedp.Location(&result),
		)
	case "click":
		actions = append(actions, chromedp.Click(cmd.Selector, chromedp.ByQuery))
		result = fmt.Sprintf("clicked %s", cmd.Selector)
	case "type":
		actions = append(actions,
			chromedp.Clear(cmd.Selector, chromedp.ByQuery),
			chromedp.SendKeys(cmd.Selector, cmd.Value, chromedp.ByQuery),
		)
		result = fmt.Sprintf("typed into %s", cmd.Selector)
	case "submit":
		actions = append(actions, chromedp.Submit(cmd.Selector, chromedp.ByQuery))
		result = fmt.Sprintf("submitted %s", cmd.Selector)
	case "read_text":
		selector := cmd.Selector
		if strings.TrimSpace(selector) == "" {
			selector = "body"
		}
		actions = append(actions, chromedp.Text(selector, &result, chromedp.ByQuery))
	case "eval":
		actions = append(actions, chromedp.Evaluate(fmt.Sprintf("String(%s)", cmd.Value), &result))
	case "wait":
		if cmd.Selector != "" {
			actions = append(actions, chromedp.WaitVisible(cmd.Selector, chromedp.ByQuery))
			result = fmt.Sprintf("%s is visible", cmd.Selector)
		} else {
			seconds, err := time.ParseDuration(strings.TrimSpace(cmd.Value) + "s")
			if err != nil || seconds <= 0 || seconds > timeout {
				return "", fmt.Errorf("wait requires a positive duration within %s, got %q", timeout, cmd.Value)
			}
			actions = append(actions, chromedp.Sleep(seconds))
			result = fmt.Sprintf("waited %s", seconds)
		}
	default:
		return "", fmt.Errorf("unknown browser op %q", cmd.Op)
	}

	if err := a.run(ctx, h, timeout, actions...); err != nil {
		return "", fmt.Errorf("browser op %q failed: %w", cmd.Op, err)
	}
	return result, nil
}
