package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dhan-agent-bot/config"
)

// ToolRunner executes one tool call. Satisfied by *Dispatcher.
type ToolRunner interface {
	Dispatch(ctx context.Context, call ToolCall) Observation
}

// RunStore persists run history. May be nil when no database is configured.
type RunStore interface {
	SaveRun(ctx context.Context, result *RunResult) error
	SaveStep(ctx context.Context, runID string, record StepRecord) error
}

// An observation that satisfies one of these while ok=true stops the loop:
// the objective is considered reached.
var stopPhrases = []string{
	"order placed",
	"filled",
	"bracket placed",
	"exited",
	"no-trade",
	"idle",
}

// An ok=false observation matching one of these is non-retryable and stops
// the loop immediately. Everything else failing is fair to retry.
var criticalPhrases = []string{
	"unauthorized",
	"authentication",
	"rate limit",
	"invalid credentials",
}

// Runner drives one bounded plan→act→observe run at a time
type Runner struct {
	planner    Planner
	dispatcher ToolRunner
	store      RunStore
	risk       config.RiskConfig

	maxSteps  int
	cooldown  time.Duration
	openMin   int
	closeMin  int
	loc       *time.Location

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	log zerolog.Logger
}

// NewRunner creates a decision-loop runner
func NewRunner(planner Planner, dispatcher ToolRunner, store RunStore, agentCfg config.AgentConfig, riskCfg config.RiskConfig, log zerolog.Logger) (*Runner, error) {
	openMin, err := config.ParseClock(agentCfg.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	closeMin, err := config.ParseClock(agentCfg.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	loc, err := time.LoadLocation(agentCfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market timezone: %w", err)
	}
	return &Runner{
		planner:    planner,
		dispatcher: dispatcher,
		store:      store,
		risk:       riskCfg,
		maxSteps:   agentCfg.MaxStepsPerRun,
		cooldown:   agentCfg.StepCooldown,
		openMin:    openMin,
		closeMin:   closeMin,
		loc:        loc,
		now:        time.Now,
		sleep:      sleepCtx,
		log:        log.With().Str("component", "AgentRunner").Logger(),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// marketOpenAt reports whether t falls inside the configured trading window
func (r *Runner) marketOpenAt(t time.Time) bool {
	local := t.In(r.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= r.openMin && minutes <= r.closeMin
}

// Run executes one bounded decision loop for the objective. It never returns
// an error: failures are reported inside the RunResult.
func (r *Runner) Run(ctx context.Context, objective string) (result RunResult) {
	result = RunResult{
		RunID:     uuid.New().String(),
		Objective: objective,
		StartedAt: r.now(),
	}
	log := r.log.With().Str("run_id", result.RunID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("decision loop panicked")
			result.OK = false
			result.Status = RunStatusFailed
			result.Error = fmt.Sprintf("internal error: %v", rec)
		}
		result.FinishedAt = r.now()
		r.persist(ctx, &result)
	}()

	if !r.marketOpenAt(result.StartedAt) {
		log.Info().Msg("market closed, run gated")
		result.OK = true
		result.Status = RunStatusMarketClosed
		result.Summary = "market closed"
		return result
	}

	messages := []Message{
		{Role: "user", Content: openingMessage(objective, result.StartedAt.In(r.loc), r.risk)},
	}

	var lastIterStart time.Time
	for step := 1; step <= r.maxSteps; step++ {
		if step > 1 {
			r.sleep(ctx, r.cooldown-r.now().Sub(lastIterStart))
		}
		lastIterStart = r.now()
		result.StepsTaken = step

		reply, err := r.planner.Plan(ctx, messages)
		if err != nil {
			log.Error().Err(err).Int("step", step).Msg("planner call failed")
			result.OK = false
			result.Status = RunStatusFailed
			result.Error = fmt.Sprintf("planner: %v", err)
			return result
		}

		call, valid := parseToolCall(reply)
		if !valid {
			// The planner declined to act further; not an error
			log.Info().Int("step", step).Msg("planner reply had no valid tool call, run ends")
			result.OK = true
			result.Status = RunStatusCompleted
			result.Summary = "planner declined to act further"
			return result
		}

		obs := r.dispatcher.Dispatch(ctx, call)
		record := StepRecord{
			Step:        len(result.Steps) + 1,
			RequestedAt: lastIterStart,
			ToolCall:    call,
			Observation: obs,
		}
		result.Steps = append(result.Steps, record)
		r.persistStep(ctx, result.RunID, record)

		messages = append(messages,
			Message{Role: "assistant", Content: reply},
			Message{Role: "user", Content: observationTurn(obs)},
		)

		log.Info().Int("step", step).Str("tool", call.Tool).Bool("ok", obs.OK).Msg("step dispatched")

		if r.criticalFailure(obs) {
			log.Warn().Int("step", step).Str("hint", obs.Hint).Msg("critical failure, run stops")
			result.OK = false
			result.Status = RunStatusFailed
			result.Error = "critical failure: " + obs.Hint
			return result
		}
		if r.stopSignalled(call, obs) {
			log.Info().Int("step", step).Msg("stop condition met")
			result.OK = true
			result.Status = RunStatusCompleted
			result.Summary = summarize(record)
			return result
		}
	}

	// Step budget exhausted; a normal ending, not an error
	log.Info().Int("steps", r.maxSteps).Msg("step budget exhausted")
	result.OK = true
	result.Status = RunStatusCompleted
	result.Summary = "step budget exhausted"
	return result
}

// stopSignalled checks the stop condition for one step. The matching is
// deliberate substring text matching over the observation; do not tighten it.
func (r *Runner) stopSignalled(call ToolCall, obs Observation) bool {
	criteria := strings.ToLower(call.SuccessCriteria)
	if strings.Contains(criteria, "stop") || strings.Contains(criteria, "complete") {
		return true
	}
	if !obs.OK {
		return false
	}
	text := strings.ToLower(obs.text())
	for _, phrase := range stopPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// criticalFailure reports a non-retryable failed observation
func (r *Runner) criticalFailure(obs Observation) bool {
	if obs.OK {
		return false
	}
	text := strings.ToLower(obs.text())
	for _, phrase := range criticalPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// observationTurn renders an observation as the next user message
func observationTurn(obs Observation) string {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"ok":%v,"hint":"observation encoding failed"}`, obs.Tool, obs.OK)
	}
	return "Observation: " + string(data)
}

func summarize(record StepRecord) string {
	if record.Observation.Hint != "" {
		return record.Observation.Hint
	}
	return record.ToolCall.SuccessCriteria
}

func (r *Runner) persist(ctx context.Context, result *RunResult) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRun(ctx, result); err != nil {
		r.log.Error().Err(err).Str("run_id", result.RunID).Msg("failed to persist run")
	}
}

func (r *Runner) persistStep(ctx context.Context, runID string, record StepRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveStep(ctx, runID, record); err != nil {
		r.log.Error().Err(err).Str("run_id", runID).Msg("failed to persist step")
	}
}
