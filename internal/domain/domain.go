package domain

// Task is a unit of requested work tracked end to end.
type Task struct {
	ID              string  `json:"id"`
	ConversationID  string  `json:"conversation_id,omitempty"`
	Type            string  `json:"type"`
	Priority        string  `json:"priority" enum:"low,normal,high,critical"`
	Scope           string  `json:"scope,omitempty"`
	Requester       string  `json:"requester"`
	Reason          string  `json:"reason"`
	PayloadHash     string  `json:"payload_hash"`
	PayloadLength   int     `json:"payload_length"`
	Status          string  `json:"status" enum:"queued,waiting_approval,running,done,failed,canceled"`
	StatusReason    string  `json:"status_reason,omitempty"`
	CancelRequested bool    `json:"cancel_requested,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

// Approval gates one scoped dangerous operation on a task.
// Immutable once resolved.
type Approval struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	PolicyID    string  `json:"policy_id"`
	Scope       string  `json:"scope"`
	RunID       *string `json:"run_id,omitempty"`
	StepID      *string `json:"step_id,omitempty"`
	Status      string  `json:"status" enum:"requested,approved,rejected,expired"`
	Reason      string  `json:"reason,omitempty"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedTS  *string `json:"resolved_ts,omitempty" format:"date-time"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	ExpiresAt   string  `json:"expires_at" format:"date-time"`
}

// Run is one execution attempt spawned to fulfill a Task.
type Run struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status" enum:"running,succeeded,failed,canceled"`
	SpawnedTS   string  `json:"spawned_ts" format:"date-time"`
	CompletedTS *string `json:"completed_ts,omitempty" format:"date-time"`
}

// Step is an ordered unit of work within a Run.
type Step struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Seq       int    `json:"seq"`
	State     string `json:"state" enum:"QUEUED,RUNNING,SUCCESS,FAILED,STALE"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Action is a single tool invocation within a Step. Args and results are
// recorded hash-only.
type Action struct {
	ID         string  `json:"id"`
	StepID     *string `json:"step_id,omitempty"`
	Name       string  `json:"name"`
	Tool       string  `json:"tool"`
	Status     string  `json:"status" enum:"pending,running,success,failed"`
	Ord        int     `json:"ord"`
	ArgsHash   string  `json:"args_hash,omitempty"`
	ResultHash string  `json:"result_hash,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Artifact points at produced output; events carry the pointer, never the
// content.
type Artifact struct {
	Pointer    string   `json:"pointer"`
	StepID     string   `json:"step_id"`
	Components []string `json:"components,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only transition log. Seq is monotonic per
// correlation scope; ID is global insertion order.
type Event struct {
	ID            int64  `json:"id"`
	Seq           int64  `json:"seq"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	Emitter       string `json:"emitter"`
	CorrelationID string `json:"correlation_id"`
	TurnID        string `json:"turn_id,omitempty"`
	Channel       string `json:"channel"`
	Stored        bool   `json:"stored"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
