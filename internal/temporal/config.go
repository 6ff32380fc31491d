package temporal

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobWorkflowName is the registered name of the workflow that carries one background job.
const JobWorkflowName = "StratumJobWorkflow"

// JobWorkflowIDPrefix is the prefix used for job workflow IDs.
const JobWorkflowIDPrefix = "stratum-job-"

// DefaultHeartbeatTimeout is how long a job attempt may go silent before it counts as interrupted.
const DefaultHeartbeatTimeout = 30 * time.Second

// ExhaustionActivityTimeout bounds the failure hook.
const ExhaustionActivityTimeout = time.Minute

// JobRequest is the workflow input for one job.
type JobRequest struct {
	JobID       string
	Name        string
	Args        json.RawMessage
	Delay       time.Duration
	MaxAttempts int32
	Timeout     time.Duration
}

func WorkflowID(name, jobID string) string {
	return fmt.Sprintf("%s%s-%s", JobWorkflowIDPrefix, name, jobID)
}
