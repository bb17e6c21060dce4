// Package jobs defines job types and payloads for background job processing.
package jobs

// JobType represents the type of job.
type JobType string

const (
	JobTypeCodeAgentRun JobType = "code-agent/run"
)

// JobPayload is implemented by all job payloads. The payload struct itself
// is JSON-marshaled as the job's Payload field.
type JobPayload interface {
	JobType() JobType
	ResourceKey() (resourceType string, resourceID string)
}

// Prioritized is an optional interface payloads can implement to override the default priority (10).
type Prioritized interface {
	Priority() int
}

// MaxAttempter is an optional interface payloads can implement to override the default max attempts.
type MaxAttempter interface {
	MaxAttempts() int
}

// DuplicateAllower is an optional interface payloads can implement to allow
// multiple pending/running jobs for the same resource. Jobs are still serialized
// at execution time (only one runs at a time per resource), but multiple can be queued.
type DuplicateAllower interface {
	AllowDuplicates() bool
}

// CodeAgentRunPayload is the payload for code-agent/run jobs. One job is
// enqueued per user message; runs for the same project are serialized but
// follow-up messages may queue while an earlier run is in flight.
type CodeAgentRunPayload struct {
	ProjectID string `json:"projectId"`
	Value     string `json:"value"`
}

func (p CodeAgentRunPayload) JobType() JobType              { return JobTypeCodeAgentRun }
func (p CodeAgentRunPayload) ResourceKey() (string, string) { return ResourceTypeProject, p.ProjectID }
func (p CodeAgentRunPayload) AllowDuplicates() bool         { return true }
