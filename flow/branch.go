package flow

import (
	"encoding/json"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

// Decision is the outcome of resolving a step's branching logic.
type Decision struct {
	// Terminate means the session ends after this step.
	Terminate bool
	// Reason describes a termination in operator-readable form.
	Reason string

	// NextStepID / NextRound apply when Terminate is false.
	NextStepID string
	NextRound  int

	// LoopBack is set when the decision jumped backwards in the template,
	// starting a new round.
	LoopBack bool
}

// LogicRandom selects weighted random branching.
const LogicRandom = "random"

// BranchResolver decides where a session goes after a step. Resolution is
// deterministic for a given template/session state except for explicit
// random branching, whose source is injectable for tests.
type BranchResolver struct {
	randFloat func() float64
	logger    *zap.Logger
}

// NewBranchResolver creates a resolver using the default math/rand source.
func NewBranchResolver(logger *zap.Logger) *BranchResolver {
	return &BranchResolver{
		randFloat: rand.Float64,
		logger:    logger.With(zap.String("component", "branch")),
	}
}

// WithRandom replaces the random source. For tests.
func (r *BranchResolver) WithRandom(f func() float64) *BranchResolver {
	r.randFloat = f
	return r
}

// Resolve evaluates, in order: the structured exit condition, random
// branching, linear advance, and loop-back at the last step.
//
// The structured llm_accept_flag exit parses the step's produced message as
// JSON and terminates on a true "accept" field; non-JSON content or a
// missing field simply continues. The deprecated equality-sentinel exit flag
// is consulted only on the loop-back path, where the sentinel value
// suppresses further looping.
func (r *BranchResolver) Resolve(sess *types.Session, tpl *types.FlowTemplate, step *types.FlowStep, produced *types.Message) Decision {
	logic := step.Logic

	if logic.ExitCondition != nil && logic.ExitCondition.Type == types.ExitConditionAcceptFlag {
		if produced != nil && acceptFlagSet(produced.Content) {
			return Decision{Terminate: true, Reason: "speaker accepted, exit condition met"}
		}
	}

	if logic.Type == LogicRandom && len(logic.Branches) > 0 {
		return r.randomBranch(sess, tpl, step)
	}

	if next := tpl.StepByOrder(step.Order + 1); next != nil {
		return Decision{NextStepID: next.ID, NextRound: sess.CurrentRound}
	}

	// Last step: loop back when configured and the round budget allows.
	if logic.NextStepOrder > 0 {
		maxLoops := logic.MaxLoops
		if maxLoops <= 0 {
			maxLoops = 1
		}
		if sess.CurrentRound >= maxLoops {
			return Decision{Terminate: true, Reason: "loop budget exhausted"}
		}
		if logic.LegacyExitFlag == types.LegacyExitSentinel {
			return Decision{Terminate: true, Reason: "legacy exit flag set"}
		}
		target := tpl.StepByOrder(logic.NextStepOrder)
		if target == nil {
			r.logger.Warn("loop-back target out of range, restarting from first step",
				zap.String("step_id", step.ID),
				zap.Int("next_step_order", logic.NextStepOrder))
			target = &tpl.Steps[0]
		}
		return Decision{NextStepID: target.ID, NextRound: sess.CurrentRound + 1, LoopBack: true}
	}

	return Decision{Terminate: true, Reason: "flow completed"}
}

func (r *BranchResolver) randomBranch(sess *types.Session, tpl *types.FlowTemplate, step *types.FlowStep) Decision {
	total := 0.0
	for _, b := range step.Logic.Branches {
		total += branchWeight(b)
	}

	pick := r.randFloat() * total
	chosen := step.Logic.Branches[len(step.Logic.Branches)-1]
	for _, b := range step.Logic.Branches {
		pick -= branchWeight(b)
		if pick < 0 {
			chosen = b
			break
		}
	}

	target := tpl.StepByOrder(chosen.StepOrder)
	if target == nil {
		r.logger.Warn("random branch target out of range, restarting from first step",
			zap.String("step_id", step.ID),
			zap.Int("step_order", chosen.StepOrder))
		target = &tpl.Steps[0]
	}

	d := Decision{NextStepID: target.ID, NextRound: sess.CurrentRound}
	if target.Order <= step.Order {
		d.NextRound = sess.CurrentRound + 1
		d.LoopBack = true
	}
	return d
}

func branchWeight(b types.Branch) float64 {
	if b.Weight > 0 {
		return b.Weight
	}
	return 1
}

// acceptFlagSet reports whether content is a JSON object whose "accept"
// field is true. Content that is not JSON, or JSON without the field, does
// not terminate.
func acceptFlagSet(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var payload struct {
		Accept bool `json:"accept"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return false
	}
	return payload.Accept
}
