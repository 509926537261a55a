package model

// DecisionKind discriminates the atomic instructions the pure planner
// emits. The applier is the sole executor of a
// Decision; the planner itself never mutates a store.
type DecisionKind string

const (
	DecisionCreateToken              DecisionKind = "CREATE_TOKEN"
	DecisionUpdateTokenStatus        DecisionKind = "UPDATE_TOKEN_STATUS"
	DecisionMarkWaiting              DecisionKind = "MARK_WAITING"
	DecisionMarkForDispatch          DecisionKind = "MARK_FOR_DISPATCH"
	DecisionSetContext               DecisionKind = "SET_CONTEXT"
	DecisionApplyOutput              DecisionKind = "APPLY_OUTPUT"
	DecisionApplyOutputMapping       DecisionKind = "APPLY_OUTPUT_MAPPING"
	DecisionInitBranchTable          DecisionKind = "INIT_BRANCH_TABLE"
	DecisionApplyBranchOutput        DecisionKind = "APPLY_BRANCH_OUTPUT"
	DecisionMergeBranches            DecisionKind = "MERGE_BRANCHES"
	DecisionDropBranchTables         DecisionKind = "DROP_BRANCH_TABLES"
	DecisionActivateFanIn            DecisionKind = "ACTIVATE_FAN_IN"
	DecisionTryActivateFanIn         DecisionKind = "TRY_ACTIVATE_FAN_IN"
	DecisionCompleteToken            DecisionKind = "COMPLETE_TOKEN"
	DecisionCompleteTokens           DecisionKind = "COMPLETE_TOKENS"
	DecisionCancelTokens             DecisionKind = "CANCEL_TOKENS"
	DecisionInitializeWorkflow       DecisionKind = "INITIALIZE_WORKFLOW"
	DecisionCompleteWorkflow         DecisionKind = "COMPLETE_WORKFLOW"
	DecisionFailWorkflow             DecisionKind = "FAIL_WORKFLOW"
	DecisionCancelWorkflow           DecisionKind = "CANCEL_WORKFLOW"
	DecisionMarkWaitingForSubworkflow DecisionKind = "MARK_WAITING_FOR_SUBWORKFLOW"
	DecisionResumeFromSubworkflow    DecisionKind = "RESUME_FROM_SUBWORKFLOW"
	DecisionFailFromSubworkflow      DecisionKind = "FAIL_FROM_SUBWORKFLOW"
	DecisionTimeoutSubworkflow       DecisionKind = "TIMEOUT_SUBWORKFLOW"
	DecisionRetryDispatch            DecisionKind = "RETRY_DISPATCH"

	// Internal batch wrappers produced by applier.BatchDecisions;
	// never emitted by the planner itself.
	DecisionBatchCreateTokens  DecisionKind = "BATCH_CREATE_TOKENS"
	DecisionBatchUpdateStatus  DecisionKind = "BATCH_UPDATE_STATUS"
)

// CreateTokenParams is the payload of a CREATE_TOKEN decision.
type CreateTokenParams struct {
	TokenID         string
	RunID           string
	NodeID          string
	ParentTokenID   string
	PathID          string
	SiblingGroup    *string
	BranchIndex     int
	BranchTotal     int
	IterationCounts map[string]int
}

// Decision is a single atomic instruction produced by the planner.
// It is a flat struct rather than an interface-based sum type: one
// Kind field selects which of the payload fields are meaningful. The
// applier's Apply is a switch over Kind.
type Decision struct {
	Kind DecisionKind

	// Generic token targeting.
	TokenID  string
	TokenIDs []string

	// CREATE_TOKEN / BATCH_CREATE_TOKENS.
	CreateToken  *CreateTokenParams
	CreateTokens []*CreateTokenParams

	// UPDATE_TOKEN_STATUS / BATCH_UPDATE_STATUS / terminal batches.
	Status TokenStatus
	Reason string

	// SET_CONTEXT / APPLY_OUTPUT.
	Namespace ContextNamespace
	Path      string
	Value     any

	// APPLY_OUTPUT_MAPPING.
	Mapping map[string]string
	Data    map[string]any

	// INIT_BRANCH_TABLE / APPLY_BRANCH_OUTPUT.
	OutputSchema map[string]any
	BranchOutput map[string]any

	// MERGE_BRANCHES.
	BranchIndices []int
	Merge         *MergeSpec

	// ACTIVATE_FAN_IN / TRY_ACTIVATE_FAN_IN.
	RunID               string
	NodeID              string
	FanInPath           string
	SiblingGroup        string
	TransitionID        string
	MergedTokenIDs      []string
	TriggeringTokenID   string

	// INITIALIZE_WORKFLOW / COMPLETE_WORKFLOW / FAIL_WORKFLOW.
	Input       map[string]any
	Output      map[string]any
	ErrorReason string

	// MARK_WAITING_FOR_SUBWORKFLOW / RESUME_FROM_SUBWORKFLOW /
	// FAIL_FROM_SUBWORKFLOW / TIMEOUT_SUBWORKFLOW.
	SubworkflowRunID string
	SubworkflowTimeoutMs int64
	ElapsedMs   int64
	BudgetMs    int64
}

// PlanResult is the pure planner's output: the decisions to apply and
// the fine-grained trace events to emit alongside them.
type PlanResult struct {
	Decisions []Decision
	Events    []TraceEvent
}

// Append merges another PlanResult's decisions/events into this one,
// preserving relative order.
func (p *PlanResult) Append(other PlanResult) {
	p.Decisions = append(p.Decisions, other.Decisions...)
	p.Events = append(p.Events, other.Events...)
}
