package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-agent-bot/config"
	"dhan-agent-bot/internal/logging"
	"dhan-agent-bot/internal/marketdata"
	"dhan-agent-bot/internal/positions"
)

type scriptedPlanner struct {
	replies []string
	calls   int
	err     error
	history [][]Message
}

func (p *scriptedPlanner) Plan(ctx context.Context, messages []Message) (string, error) {
	p.history = append(p.history, messages)
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	if len(p.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return reply, nil
}

type scriptedDispatcher struct {
	observations []Observation
	calls        int
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, call ToolCall) Observation {
	d.calls++
	if len(d.observations) == 0 {
		return Observation{Tool: call.Tool, OK: true, Result: "done nothing"}
	}
	obs := d.observations[0]
	if len(d.observations) > 1 {
		d.observations = d.observations[1:]
	}
	obs.Tool = call.Tool
	return obs
}

func agentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxStepsPerRun: 10,
		StepCooldown:   time.Second,
		MarketOpen:     "09:15",
		MarketClose:    "15:30",
		Timezone:       "Asia/Kolkata",
	}
}

// tradingHour is a Tuesday late morning in IST
func tradingHour(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return time.Date(2026, 1, 6, 11, 0, 0, 0, loc)
}

func newTestRunner(t *testing.T, planner Planner, dispatcher ToolRunner, at time.Time) *Runner {
	t.Helper()
	runner, err := NewRunner(planner, dispatcher, nil, agentConfig(), testRisk(), logging.Nop())
	require.NoError(t, err)
	runner.now = func() time.Time { return at }
	runner.sleep = func(ctx context.Context, d time.Duration) {}
	return runner
}

const neutralReply = `{"thought":"look at the chart","tool":"market.ohlc","args":{"segment":"NSE_EQ","security_id":"11536"},"success_criteria":"see trend"}`

func TestRunGatedOutsideMarketHours(t *testing.T) {
	planner := &scriptedPlanner{}
	loc, _ := time.LoadLocation("Asia/Kolkata")
	evening := time.Date(2026, 1, 6, 18, 0, 0, 0, loc)
	runner := newTestRunner(t, planner, &scriptedDispatcher{}, evening)

	result := runner.Run(context.Background(), "scalp NIFTY")

	assert.True(t, result.OK)
	assert.Equal(t, RunStatusMarketClosed, result.Status)
	assert.Equal(t, 0, result.StepsTaken)
	assert.Equal(t, 0, planner.calls, "the planner must never be consulted outside market hours")
}

func TestRunGatedOnWeekend(t *testing.T) {
	planner := &scriptedPlanner{}
	loc, _ := time.LoadLocation("Asia/Kolkata")
	saturday := time.Date(2026, 1, 10, 11, 0, 0, 0, loc)
	runner := newTestRunner(t, planner, &scriptedDispatcher{}, saturday)

	result := runner.Run(context.Background(), "scalp NIFTY")
	assert.Equal(t, RunStatusMarketClosed, result.Status)
	assert.Equal(t, 0, planner.calls)
}

func TestMarketHoursBoundaries(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	runner := newTestRunner(t, &scriptedPlanner{}, &scriptedDispatcher{}, tradingHour(t))

	tests := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"at open", time.Date(2026, 1, 6, 9, 15, 0, 0, loc), true},
		{"before open", time.Date(2026, 1, 6, 9, 14, 0, 0, loc), false},
		{"at close", time.Date(2026, 1, 6, 15, 30, 0, 0, loc), true},
		{"after close", time.Date(2026, 1, 6, 15, 31, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, runner.marketOpenAt(tt.at))
		})
	}
}

func TestRunMalformedPlanTerminatesAfterOneStep(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{"I do not see any setup worth trading today."}}
	dispatcher := &scriptedDispatcher{}
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	result := runner.Run(context.Background(), "find an intraday edge")

	assert.True(t, result.OK, "a declining planner is not an error")
	assert.Equal(t, 1, result.StepsTaken)
	assert.Equal(t, 1, planner.calls)
	assert.Equal(t, 0, dispatcher.calls, "nothing is dispatched for a malformed plan")
	assert.Empty(t, result.Steps)
}

func TestRunStopsOnFirstSatisfiedObservation(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{neutralReply}}
	dispatcher := &scriptedDispatcher{observations: []Observation{
		{OK: true, Result: "order filled at 101.5"},
	}}
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	result := runner.Run(context.Background(), "buy the breakout")

	assert.True(t, result.OK)
	assert.Equal(t, 1, result.StepsTaken)
	require.Len(t, result.Steps, 1)
}

func TestRunStopsOnSuccessCriteriaKeyword(t *testing.T) {
	reply := `{"tool":"positions.list","args":{},"success_criteria":"review done, stop here"}`
	planner := &scriptedPlanner{replies: []string{reply}}
	dispatcher := &scriptedDispatcher{observations: []Observation{
		{OK: false, Hint: "something minor went wrong"},
	}}
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	result := runner.Run(context.Background(), "review positions")
	assert.Equal(t, 1, result.StepsTaken, `"stop" in success_criteria ends the run unconditionally`)
}

func TestRunExhaustsStepBudget(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{neutralReply}}
	dispatcher := &scriptedDispatcher{observations: []Observation{
		{OK: true, Result: "trend unclear, keep watching"},
	}}
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	result := runner.Run(context.Background(), "wait for a setup")

	assert.True(t, result.OK, "running out of budget is a normal ending")
	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Equal(t, 10, result.StepsTaken)
	assert.Equal(t, 10, planner.calls)
	assert.Len(t, result.Steps, 10)
}

func TestRunStopsOnCriticalFailure(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{neutralReply}}
	dispatcher := &scriptedDispatcher{observations: []Observation{
		{OK: false, Hint: "broker said: invalid credentials"},
	}}
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	result := runner.Run(context.Background(), "buy the breakout")

	assert.False(t, result.OK)
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Equal(t, 1, result.StepsTaken)
	assert.Contains(t, result.Error, "critical failure")
	require.Len(t, result.Steps, 1, "the failing step stays on the audit trail")
}

func TestRunNonCriticalFailuresContinue(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{neutralReply}}
	dispatcher := &scriptedDispatcher{observations: []Observation{
		{OK: false, Hint: "Fix payload: missing security_id"},
		{OK: true, Result: "bracket placed: ORD-9"},
	}}
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	result := runner.Run(context.Background(), "buy the breakout")

	assert.True(t, result.OK)
	assert.Equal(t, 2, result.StepsTaken, "a fixable failure must not end the run")
	assert.Len(t, result.Steps, 2)
}

func TestRunPlannerErrorFailsRun(t *testing.T) {
	planner := &scriptedPlanner{err: errors.New("llm timeout")}
	runner := newTestRunner(t, planner, &scriptedDispatcher{}, tradingHour(t))

	result := runner.Run(context.Background(), "buy the breakout")

	assert.False(t, result.OK)
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "planner")
}

func TestRunHistoryAlternatesAndGrows(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{neutralReply}}
	dispatcher := &scriptedDispatcher{observations: []Observation{
		{OK: true, Result: "trend unclear"},
	}}
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	runner.Run(context.Background(), "wait for a setup")

	require.GreaterOrEqual(t, len(planner.history), 3)
	first := planner.history[0]
	require.Len(t, first, 1, "first planning turn sees only the objective")
	assert.Equal(t, "user", first[0].Role)
	assert.Contains(t, first[0].Content, "wait for a setup")
	assert.Contains(t, first[0].Content, "Capital base")

	second := planner.history[1]
	require.Len(t, second, 3, "each step appends assistant and user turns")
	assert.Equal(t, "assistant", second[1].Role)
	assert.Equal(t, "user", second[2].Role)
	assert.Contains(t, second[2].Content, "Observation:")
}

func TestRunPanicIsContained(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{neutralReply}}
	runner := newTestRunner(t, planner, panickyDispatcher{}, tradingHour(t))

	result := runner.Run(context.Background(), "buy the breakout")

	assert.False(t, result.OK)
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "internal error")
}

type panickyDispatcher struct{}

func (panickyDispatcher) Dispatch(ctx context.Context, call ToolCall) Observation {
	panic("dispatcher exploded")
}

// End to end: a no-edge objective should settle in one step through the real
// dispatcher with zero order calls.
func TestRunNoTradeScenario(t *testing.T) {
	reply := `{"thought":"no edge currently","tool":"risk.analyze","args":{"entry_price":100,"stop_loss":90,"notes":"choppy range, no-trade safer"},"success_criteria":"no-trade confirmed"}`
	planner := &scriptedPlanner{replies: []string{reply}}

	executor := &fakeExecutor{}
	ledger := positions.NewLedger(nil, logging.Nop())
	dispatcher := NewDispatcher(&fakeMarket{}, marketdata.NewShortTTLCache(), executor, ledger, testRisk(), 0, logging.Nop())
	runner := newTestRunner(t, planner, dispatcher, tradingHour(t))

	result := runner.Run(context.Background(), "no edge currently")

	assert.True(t, result.OK)
	assert.Equal(t, 1, result.StepsTaken)
	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].Observation.OK)
	assert.Equal(t, 0, executor.placeCalls, "no order may fire on a no-trade run")
	assert.Equal(t, 0, executor.bracketCalls)
}
