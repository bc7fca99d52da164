// Package agent runs the plan→act→observe decision loop: a planner proposes
// one tool call per turn, the dispatcher executes it, and the observation is
// fed back until a termination predicate or the step budget hits.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one turn of planner conversation history
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ToolCall is the planner's requested action for one step. Tool, Args and
// SuccessCriteria are all required; a reply missing any of them is discarded
// as malformed and ends the run.
type ToolCall struct {
	Thought         string         `json:"thought,omitempty"`
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args"`
	SuccessCriteria string         `json:"success_criteria"`
}

// Observation is the dispatcher's uniform answer for every tool call,
// successful or not. Failures carry a hint instead of an error value.
type Observation struct {
	Tool   string `json:"tool"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Hint   string `json:"hint,omitempty"`
}

// text flattens the observation for substring matching and history turns
func (o Observation) text() string {
	result := ""
	if o.Result != nil {
		if data, err := json.Marshal(o.Result); err == nil {
			result = string(data)
		} else {
			result = fmt.Sprintf("%v", o.Result)
		}
	}
	return result + " " + o.Hint
}

// StepRecord is one dispatched step in the run's audit trail
type StepRecord struct {
	Step        int         `json:"step"`
	RequestedAt time.Time   `json:"requested_at"`
	ToolCall    ToolCall    `json:"tool_call"`
	Observation Observation `json:"observation"`
}

// Run statuses
const (
	RunStatusCompleted    = "completed"
	RunStatusMarketClosed = "market_closed"
	RunStatusFailed       = "failed"
)

// RunResult is everything a finished run reports
type RunResult struct {
	RunID      string       `json:"run_id"`
	OK         bool         `json:"ok"`
	Status     string       `json:"status"`
	Objective  string       `json:"objective"`
	Summary    string       `json:"summary,omitempty"`
	Error      string       `json:"error,omitempty"`
	StepsTaken int          `json:"steps_taken"`
	Steps      []StepRecord `json:"steps"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}
