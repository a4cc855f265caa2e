package server

import (
	"encoding/json"

	"controlroom/internal/domain"
)

// SubmitTaskRequest submits a unit of work. Identical submissions collapse
// to one task.
type SubmitTaskRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Type           string         `json:"type" example:"report.generate"`
	Priority       string         `json:"priority,omitempty" enum:"low,normal,high,critical"`
	Scope          string         `json:"scope,omitempty" example:"deploy"`
	Requester      string         `json:"requester,omitempty"`
	Reason         string         `json:"reason" example:"nightly report"`
	Payload        map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type SubmitTaskResponse struct {
	Task    TaskResponse `json:"task"`
	Created bool         `json:"created"`
}

type TaskResponse struct {
	ID              string  `json:"id"`
	ConversationID  string  `json:"conversation_id,omitempty"`
	Type            string  `json:"type"`
	Priority        string  `json:"priority"`
	Scope           string  `json:"scope,omitempty"`
	Requester       string  `json:"requester"`
	Reason          string  `json:"reason"`
	PayloadHash     string  `json:"payload_hash"`
	PayloadLength   int     `json:"payload_length"`
	Status          string  `json:"status"`
	StatusReason    string  `json:"status_reason,omitempty"`
	CancelRequested bool    `json:"cancel_requested,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		ConversationID:  t.ConversationID,
		Type:            t.Type,
		Priority:        t.Priority,
		Scope:           t.Scope,
		Requester:       t.Requester,
		Reason:          t.Reason,
		PayloadHash:     t.PayloadHash,
		PayloadLength:   t.PayloadLength,
		Status:          t.Status,
		StatusReason:    t.StatusReason,
		CancelRequested: t.CancelRequested,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

// TaskListResponse degrades instead of failing: when the store is
// unreachable Items is empty and Warning explains why.
type TaskListResponse struct {
	Items   []TaskResponse `json:"items"`
	Warning string         `json:"warning,omitempty" example:"graph_unavailable"`
}

// TaskDetailResponse aggregates the task with its runs, steps, and
// approvals. Sub-reads that fail add a warning rather than failing the
// response.
type TaskDetailResponse struct {
	Task      TaskResponse       `json:"task"`
	Runs      []RunResponse      `json:"runs,omitempty"`
	Steps     []StepResponse     `json:"steps,omitempty"`
	Approvals []ApprovalResponse `json:"approvals,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
}

type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ApprovalResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	PolicyID    string  `json:"policy_id"`
	Scope       string  `json:"scope"`
	RunID       *string `json:"run_id,omitempty"`
	StepID      *string `json:"step_id,omitempty"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedTS  *string `json:"resolved_ts,omitempty"`
	RequestedAt string  `json:"requested_at"`
	ExpiresAt   string  `json:"expires_at"`
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse{
		ID:          a.ID,
		TaskID:      a.TaskID,
		PolicyID:    a.PolicyID,
		Scope:       a.Scope,
		RunID:       a.RunID,
		StepID:      a.StepID,
		Status:      a.Status,
		Reason:      a.Reason,
		ResolvedBy:  a.ResolvedBy,
		ResolvedTS:  a.ResolvedTS,
		RequestedAt: a.RequestedAt,
		ExpiresAt:   a.ExpiresAt,
	}
}

func mapApprovals(items []domain.Approval) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		out = append(out, approvalResponse(a))
	}
	return out
}

type ApprovalListResponse struct {
	Items   []ApprovalResponse `json:"items"`
	Warning string             `json:"warning,omitempty"`
}

type ResolveApprovalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RunResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"`
	SpawnedTS   string  `json:"spawned_ts"`
	CompletedTS *string `json:"completed_ts,omitempty"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Status:      r.Status,
		SpawnedTS:   r.SpawnedTS,
		CompletedTS: r.CompletedTS,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, runResponse(r))
	}
	return out
}

type CompleteRunRequest struct {
	Status string `json:"status" enum:"succeeded,failed,canceled"`
	Final  bool   `json:"final,omitempty"`
}

type StepResponse struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Seq       int    `json:"seq"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func stepResponse(st domain.Step) StepResponse {
	return StepResponse{
		ID:        st.ID,
		RunID:     st.RunID,
		Seq:       st.Seq,
		State:     st.State,
		Detail:    st.Detail,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
}

func mapSteps(items []domain.Step) []StepResponse {
	out := make([]StepResponse, 0, len(items))
	for _, st := range items {
		out = append(out, stepResponse(st))
	}
	return out
}

type AddStepRequest struct {
	Detail string `json:"detail,omitempty"`
}

type UpdateStepRequest struct {
	State  string `json:"state" enum:"RUNNING,SUCCESS,FAILED,STALE"`
	Detail string `json:"detail,omitempty"`
}

type ActionResponse struct {
	ID         string  `json:"id"`
	StepID     *string `json:"step_id,omitempty"`
	Name       string  `json:"name"`
	Tool       string  `json:"tool"`
	Status     string  `json:"status"`
	Ord        int     `json:"ord"`
	ArgsHash   string  `json:"args_hash,omitempty"`
	ResultHash string  `json:"result_hash,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse{
		ID:         a.ID,
		StepID:     a.StepID,
		Name:       a.Name,
		Tool:       a.Tool,
		Status:     a.Status,
		Ord:        a.Ord,
		ArgsHash:   a.ArgsHash,
		ResultHash: a.ResultHash,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func mapActions(items []domain.Action) []ActionResponse {
	out := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		out = append(out, actionResponse(a))
	}
	return out
}

type ActionListResponse struct {
	Items   []ActionResponse `json:"items"`
	Warning string           `json:"warning,omitempty"`
}

// RecordActionRequest registers a tool invocation. Args are hashed and
// discarded; they never reach the store.
type RecordActionRequest struct {
	Name string         `json:"name"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type UpdateActionRequest struct {
	Status string         `json:"status" enum:"running,success,failed"`
	Result map[string]any `json:"result,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type ArtifactResponse struct {
	Pointer    string   `json:"pointer"`
	StepID     string   `json:"step_id"`
	Components []string `json:"components,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

type AddArtifactRequest struct {
	Pointer    string   `json:"pointer"`
	Components []string `json:"components,omitempty"`
}

type EventResponse struct {
	ID            int64           `json:"id"`
	Seq           int64           `json:"seq"`
	TS            string          `json:"ts"`
	Type          string          `json:"type"`
	Emitter       string          `json:"emitter"`
	CorrelationID string          `json:"correlation_id"`
	TurnID        string          `json:"turn_id,omitempty"`
	Channel       string          `json:"channel"`
	Stored        bool            `json:"stored"`
	Payload       json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:            e.ID,
		Seq:           e.Seq,
		TS:            e.TS,
		Type:          e.Type,
		Emitter:       e.Emitter,
		CorrelationID: e.CorrelationID,
		TurnID:        e.TurnID,
		Channel:       e.Channel,
		Stored:        e.Stored,
		Payload:       payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

type EventListResponse struct {
	Items   []EventResponse `json:"items"`
	Warning string          `json:"warning,omitempty"`
}
