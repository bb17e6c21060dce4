package dispatcher

import "github.com/zenkai-ai/zenkai/internal/jobs"

// ConcurrencyLimits defines max concurrent jobs per type.
// These can be made configurable via config.Config if needed.
var ConcurrencyLimits = map[jobs.JobType]int{
	jobs.JobTypeCodeAgentRun: 4, // Agent runs are slow but mostly wait on the API
}

// DefaultConcurrencyLimit is used for job types not in ConcurrencyLimits.
const DefaultConcurrencyLimit = 1

// GetConcurrencyLimit returns the concurrency limit for a job type.
// Returns DefaultConcurrencyLimit if not explicitly configured.
func GetConcurrencyLimit(jobType jobs.JobType) int {
	if limit, ok := ConcurrencyLimits[jobType]; ok {
		return limit
	}
	return DefaultConcurrencyLimit
}
