// Package planner wraps the LLM provider behind the turn-based
// function-calling interface the plan/execute loop consumes.
package planner

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service implements schemas.Planner on top of an LLM client. A shared rate
// limiter bounds request volume across all concurrently running tasks.
type Service struct {
	logger      *zap.Logger
	client      schemas.LLMClient
	limiter     *rate.Limiter
	temperature float32
}

var _ schemas.Planner = (*Service)(nil)

// wireDecision is the JSON shape the prompt asks the model for.
type wireDecision struct {
	Function *struct {
		Name        string `json:"name"`
		Instruction string `json:"instruction"`
		StartURL    string `json:"start_url"`
		SessionID   string `json:"session_id"`
	} `json:"function"`
	Final string `json:"final"`
}

// New creates a planner service.
func New(client schemas.LLMClient, cfg config.LLMConfig, logger *zap.Logger) *Service {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	return &Service{
		logger:      logger.Named("planner"),
		client:      client,
		limiter:     limiter,
		temperature: cfg.Temperature,
	}
}

// Plan submits the goal and accumulated history to the model and returns
// its next decision: a function call, or the free-text final answer.
func (s *Service) Plan(ctx context.Context, goal string, history []schemas.PlanMessage) (schemas.PlannerDecision, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return schemas.PlannerDecision{}, fmt.Errorf("planner rate limit wait: %w", err)
	}

	prompt, err := buildUserPrompt(goal, history)
	if err != nil {
		return schemas.PlannerDecision{}, err
	}

	raw, err := s.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Options: schemas.GenerationOptions{
			Temperature:     s.temperature,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return schemas.PlannerDecision{}, fmt.Errorf("planner generation failed: %w", err)
	}

	decision, err := parseDecision(raw)
	if err != nil {
		return schemas.PlannerDecision{}, err
	}

	if decision.IsFinal() {
		s.logger.Debug("Planner produced final answer", zap.Int("history_len", len(history)))
	} else {
		s.logger.Debug("Planner requested function call",
			zap.String("function", string(decision.Call.Name)),
			zap.String("instruction", decision.Call.Instruction),
		)
	}
	return decision, nil
}

func buildUserPrompt(goal string, history []schemas.PlanMessage) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)

	if len(history) == 0 {
		b.WriteString("No actions have been taken yet. Decide the first step.")
		return b.String(), nil
	}

	b.WriteString("History of actions and results so far, oldest first:\n")
	serialized, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize plan history: %w", err)
	}
	b.Write(serialized)
	b.WriteString("\n\nDecide the next step, or produce the final answer.")
	return b.String(), nil
}

func parseDecision(raw string) (schemas.PlannerDecision, error) {
	wire, err := llmutil.ParseJSONResponse[wireDecision](raw)
	if err != nil {
		return schemas.PlannerDecision{}, fmt.Errorf("planner returned unparseable decision: %w", err)
	}

	switch {
	case wire.Function != nil && wire.Final != "":
		return schemas.PlannerDecision{}, fmt.Errorf("planner emitted both a function call and a final answer")
	case wire.Function != nil:
		name := schemas.FunctionName(wire.Function.Name)
		switch name {
		case schemas.FunctionPerformAction, schemas.FunctionPerformQuery, schemas.FunctionDesktopAction:
		default:
			return schemas.PlannerDecision{}, fmt.Errorf("planner named unknown function %q", wire.Function.Name)
		}
		if strings.TrimSpace(wire.Function.Instruction) == "" {
			return schemas.PlannerDecision{}, fmt.Errorf("planner function call carries no instruction")
		}
		return schemas.PlannerDecision{Call: &schemas.FunctionCall{
			Name:        name,
			Instruction: wire.Function.Instruction,
			StartURL:    wire.Function.StartURL,
			SessionID:   wire.Function.SessionID,
		}}, nil
	case wire.Final != "":
		return schemas.PlannerDecision{Final: wire.Final}, nil
	default:
		return schemas.PlannerDecision{}, fmt.Errorf("planner decision carries neither function nor final answer")
	}
}
