package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jiazeyu1987/MRC-sub000/config"
	"github.com/jiazeyu1987/MRC-sub000/internal/metrics"
	"github.com/jiazeyu1987/MRC-sub000/llm"
	"github.com/jiazeyu1987/MRC-sub000/llm/tokenizer"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

// taskInstructions frames what the speaker is asked to do this step.
var taskInstructions = map[types.TaskType]string{
	types.TaskAsk:       "Ask a focused question that moves the discussion forward.",
	types.TaskAnswer:    "Answer the question directly, citing the reference material where it applies.",
	types.TaskReview:    "Review the preceding statements and point out gaps or errors.",
	types.TaskSummarize: "Summarize the discussion so far into its key points.",
	types.TaskChallenge: "Challenge the strongest claim made so far with a concrete counterargument.",
	types.TaskConclude:  "Draw a final conclusion from the discussion.",
}

// fallbackNote is appended to the prompt when knowledge fusion degraded.
const fallbackNote = "No verified reference material was retrieved for this step. Answer from general knowledge and say so when uncertain."

// PromptInput carries everything the invoker needs to build and send one
// completion request.
type PromptInput struct {
	Session   *types.Session
	Step      *types.FlowStep
	Role      *types.SessionRole
	History   []types.Message // chronological
	Knowledge *Bundle         // nil when retrieval disabled for the step
}

// Invoker assembles the step prompt and calls the completion provider.
type Invoker struct {
	provider llm.Provider
	counter  tokenizer.Tokenizer
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	cfg      config.LLMConfig
	logger   *zap.Logger
}

// NewInvoker creates an invoker. counter may be nil (no token accounting
// beyond provider-reported usage). A RatePerSecond of zero disables local
// rate limiting.
func NewInvoker(provider llm.Provider, counter tokenizer.Tokenizer, collector *metrics.Collector, cfg config.LLMConfig, logger *zap.Logger) *Invoker {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Invoker{
		provider: provider,
		counter:  counter,
		limiter:  limiter,
		metrics:  collector,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "invoker")),
	}
}

// BuildPrompt renders the prompt sections: persona, topic, retrieved
// knowledge (or the fallback note), chronological history, and the task
// instruction.
func (iv *Invoker) BuildPrompt(in *PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s.", in.Role.RoleName)
	if in.Role.Persona != "" {
		b.WriteString(" ")
		b.WriteString(in.Role.Persona)
	}
	b.WriteString("\n\n")

	if in.Session.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n\n", in.Session.Topic)
	}

	if in.Knowledge != nil {
		if in.Knowledge.FallbackUsed {
			b.WriteString(fallbackNote)
			b.WriteString("\n\n")
		} else if len(in.Knowledge.Items) > 0 {
			b.WriteString("Reference material:\n")
			for i, item := range in.Knowledge.Items {
				fmt.Fprintf(&b, "%d. %s\n", i+1, item.Content)
			}
			b.WriteString("\n")
		}
	}

	if len(in.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range in.History {
			fmt.Fprintf(&b, "%s: %s\n", m.SpeakerName, m.Content)
		}
		b.WriteString("\n")
	}

	if instr, ok := taskInstructions[in.Step.TaskType]; ok {
		b.WriteString(instr)
	} else {
		b.WriteString("Continue the discussion.")
	}
	if in.Step.Description != "" {
		b.WriteString(" ")
		b.WriteString(in.Step.Description)
	}
	return b.String()
}

// Invoke builds the prompt, sends the completion request under the
// configured timeout, and returns the response together with the raw prompt
// for telemetry. Deadline overruns map to COMPLETION_TIMEOUT.
func (iv *Invoker) Invoke(ctx context.Context, in *PromptInput) (*llm.ChatResponse, string, error) {
	prompt := iv.BuildPrompt(in)

	if iv.limiter != nil {
		if err := iv.limiter.Wait(ctx); err != nil {
			return nil, prompt, types.NewError(types.ErrFlowExecution, "rate limiter wait interrupted").WithCause(err)
		}
	}

	timeout := iv.cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &llm.ChatRequest{
		Model:       iv.cfg.Model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt, Name: in.Role.RoleName}},
		MaxTokens:   iv.cfg.MaxTokens,
		Temperature: float32(iv.cfg.Temperature),
		Timeout:     timeout,
		Metadata: map[string]string{
			"session_id": in.Session.ID,
			"step_id":    in.Step.ID,
		},
	}

	start := time.Now()
	resp, err := iv.provider.Completion(cctx, req)
	elapsed := time.Since(start)

	if err != nil {
		status := "error"
		var rerr error
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
			rerr = types.Errorf(types.ErrCompletionTimeout,
				"completion exceeded %s", timeout).WithCause(err).WithRetryable(true)
		} else {
			rerr = types.NewError(types.ErrFlowExecution, "completion request failed").
				WithCause(err).WithRetryable(llm.IsRetryable(err))
		}
		if iv.metrics != nil {
			iv.metrics.RecordCompletion(iv.provider.Name(), status, elapsed, 0, 0)
		}
		return nil, prompt, rerr
	}

	promptTokens, completionTokens := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if promptTokens == 0 && iv.counter != nil {
		if n, cerr := iv.counter.CountTokens(prompt); cerr == nil {
			promptTokens = n
		}
	}
	if completionTokens == 0 && iv.counter != nil {
		if n, cerr := iv.counter.CountTokens(resp.Text); cerr == nil {
			completionTokens = n
		}
	}
	resp.Usage.PromptTokens = promptTokens
	resp.Usage.CompletionTokens = completionTokens

	if iv.metrics != nil {
		iv.metrics.RecordCompletion(iv.provider.Name(), "ok", elapsed, promptTokens, completionTokens)
	}
	iv.logger.Debug("completion finished",
		zap.String("session_id", in.Session.ID),
		zap.String("step_id", in.Step.ID),
		zap.Duration("elapsed", elapsed),
		zap.Int("prompt_tokens", promptTokens),
		zap.Int("completion_tokens", completionTokens),
	)
	return resp, prompt, nil
}
