package hooks

import (
	"time"

	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

type (
	// Base carries the fields shared by all events. Embed it in concrete
	// event types and populate it via NewBase.
	Base struct {
		Session string
		Cascade string
		Cell    string
		Depth   int
		At      time.Time
	}

	// CascadeStarted fires when a cascade run begins. CascadeJSON is the
	// serialized cascade configuration persisted on the start row.
	CascadeStarted struct {
		Base
		CascadeJSON []byte
		Inputs      map[string]any
	}

	// CascadeCompleted fires after a run finishes, whether successfully or
	// with a failure.
	CascadeCompleted struct {
		Base
		// Status is the terminal session status ("completed" or "failed").
		Status string
		// Content is the final artifact of the last cell.
		Content string
		// Err is the terminal error, nil on success.
		Err error
	}

	// CascadeErrored fires alongside CascadeCompleted when the terminal
	// status is failed. Subscribers that only care about failures (alerting,
	// error dashboards) listen here.
	CascadeErrored struct {
		Base
		Errors []any
	}

	// CellStarted fires before a cell executes. CellJSON is the serialized
	// cell configuration.
	CellStarted struct {
		Base
		CellJSON []byte
	}

	// CellCompleted fires after a cell's wards pass.
	CellCompleted struct {
		Base
		Content  string
		Duration time.Duration
	}

	// AgentCalled fires for each model invocation within a cell, including
	// candidate branches, evaluator cells, and refinement calls.
	AgentCalled struct {
		Base
		Turn           int
		Attempt        int
		CandidateIndex *int
		ReforgeStep    *int
		Request        model.Request
		Response       model.Response
		Duration       time.Duration
	}

	// ToolCalled fires when a tool invocation is scheduled.
	ToolCalled struct {
		Base
		Turn int
		Call model.ToolCall
		// Repaired reports whether the tool-call JSON required brace
		// rebalancing before parsing.
		Repaired bool
	}

	// ToolResulted fires when a tool invocation returns.
	ToolResulted struct {
		Base
		Turn     int
		Call     model.ToolCall
		Content  string
		IsError  bool
		Images   []model.Image
		Duration time.Duration
	}

	// FollowedUp fires after the post-tool follow-up model call. Empty
	// follow-ups are logged but never appended to history.
	FollowedUp struct {
		Base
		Turn     int
		Content  string
		Empty    bool
		Response model.Response
		Duration time.Duration
	}

	// CandidateEvaluated fires once per candidate branch after evaluation.
	CandidateEvaluated struct {
		Base
		Index     int
		Content   string
		Winner    bool
		Score     *float64
		Rationale string
		Cost      float64
		// BranchSession is the session id of the candidate branch.
		BranchSession string
	}

	// WinnerSelected fires after the evaluator picks the winning candidate.
	WinnerSelected struct {
		Base
		Index   int
		Content string
	}

	// RefinementStepped fires once per reforge step.
	RefinementStepped struct {
		Base
		Step         int
		InputContent string
		Output       string
		HoningPrompt string
		Response     model.Response
	}

	// WardChecked fires for every ward evaluation, pre and post.
	WardChecked struct {
		Base
		Validator string
		Phase     string
		Mode      string
		Valid     bool
		Reason    string
		Attempt   int
	}

	// StateWritten fires after a set_state write is durable.
	StateWritten struct {
		Base
		Key   string
		Value any
	}

	// ErrorRaised fires when a cell-terminating error is recorded.
	ErrorRaised struct {
		Base
		ErrKind  errs.Kind
		Message  string
		Metadata map[string]any
	}
)

// NewBase builds the shared event fields, stamping the current time.
func NewBase(session, cascadeID, cell string, depth int) Base {
	return Base{Session: session, Cascade: cascadeID, Cell: cell, Depth: depth, At: time.Now()}
}

// SessionID implements Event.
func (b Base) SessionID() string { return b.Session }

// Time implements Event.
func (b Base) Time() time.Time { return b.At }

func (CascadeStarted) Kind() Kind     { return KindCascadeStart }
func (CascadeCompleted) Kind() Kind   { return KindCascadeComplete }
func (CascadeErrored) Kind() Kind     { return KindCascadeError }
func (CellStarted) Kind() Kind        { return KindCellStart }
func (CellCompleted) Kind() Kind      { return KindCellComplete }
func (AgentCalled) Kind() Kind        { return KindAgentCall }
func (ToolCalled) Kind() Kind         { return KindToolCall }
func (ToolResulted) Kind() Kind       { return KindToolResult }
func (FollowedUp) Kind() Kind         { return KindFollowUp }
func (CandidateEvaluated) Kind() Kind { return KindCandidateEvaluated }
func (WinnerSelected) Kind() Kind     { return KindWinnerSelected }
func (RefinementStepped) Kind() Kind  { return KindRefinementStep }
func (WardChecked) Kind() Kind        { return KindWardCheck }
func (StateWritten) Kind() Kind       { return KindStateWrite }
func (ErrorRaised) Kind() Kind        { return KindError }
