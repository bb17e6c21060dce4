// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zenkai-ai/zenkai/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpsertUser creates the user row if it does not exist yet. Existing rows
// are left untouched so repeat calls are cheap and idempotent.
func (s *Store) UpsertUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(user).Error
}

// --- Projects ---

// GetProjectForUser returns the project only if it is owned by the given
// user. A project owned by someone else is indistinguishable from a
// missing one.
func (s *Store) GetProjectForUser(ctx context.Context, id, userID string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

// ListProjectsByUser returns the user's projects, most recently updated first.
func (s *Store) ListProjectsByUser(ctx context.Context, userID string) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&projects).Error
	return projects, err
}

func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Create(project).Error
}

// CreateProjectWithMessage creates the project and its first message in a
// single transaction so a partially created project is never observable.
func (s *Store) CreateProjectWithMessage(ctx context.Context, project *model.Project, message *model.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			return err
		}
		message.ProjectID = project.ID
		return tx.Create(message).Error
	})
}

// --- Messages ---

// ListMessagesByProject returns all messages for a project in display
// order (updated_at ascending), with any attached fragment preloaded.
func (s *Store) ListMessagesByProject(ctx context.Context, projectID string) ([]*model.Message, error) {
	var messages []*model.Message
	err := s.db.WithContext(ctx).
		Preload("Fragment").
		Where("project_id = ?", projectID).
		Order("updated_at ASC").
		Find(&messages).Error
	return messages, err
}

func (s *Store) CreateMessage(ctx context.Context, message *model.Message) error {
	return s.db.WithContext(ctx).Create(message).Error
}

// CreateMessageWithFragment creates an assistant message and its fragment
// atomically. Either both rows land or neither does.
func (s *Store) CreateMessageWithFragment(ctx context.Context, message *model.Message, fragment *model.Fragment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		fragment.MessageID = message.ID
		return tx.Create(fragment).Error
	})
}

// --- Jobs ---

// CreateJob creates a new job in the queue.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJobByID retrieves a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// HasActiveJobForResource checks if there's a pending or running job for the given resource.
// Returns true if a job exists that would block enqueueing a new one.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status IN ?",
			resourceType, resourceID, []string{string(model.JobStatusPending), string(model.JobStatusRunning)}).
		Count(&count).Error
	return count > 0, err
}

// ClaimJob atomically claims a pending job of the given type.
// Returns nil, nil if no job is available.
func (s *Store) ClaimJob(ctx context.Context, jobType string, workerID string) (*model.Job, error) {
	return s.ClaimJobOfTypes(ctx, []string{jobType}, workerID)
}

// ClaimJobOfTypes atomically claims a pending job of any of the given types.
// Jobs are selected by priority (highest first), then by scheduled time (oldest first).
// If a job has resource_type/resource_id set, it will only be claimed if no other job
// for the same resource is currently running.
// Returns nil, nil if no job is available.
func (s *Store) ClaimJobOfTypes(ctx context.Context, jobTypes []string, workerID string) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	var job model.Job
	var found bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Find pending jobs of any allowed type that are scheduled to run
		// Order: priority (highest first), scheduled_at (oldest first), created_at (tiebreaker)
		var candidates []model.Job
		query := tx.Where("type IN ? AND status = ? AND scheduled_at <= ?",
			jobTypes, model.JobStatusPending, time.Now()).
			Order("priority DESC, scheduled_at ASC, created_at ASC").
			Limit(10) // Check up to 10 candidates to find one without resource conflicts

		if err := query.Find(&candidates).Error; err != nil {
			return err
		}

		if len(candidates) == 0 {
			return nil // No jobs available
		}

		// Find first candidate without a resource conflict
		for _, candidate := range candidates {
			// If job has no resource tracking, claim it immediately
			if candidate.ResourceType == nil || candidate.ResourceID == nil {
				job = candidate
				found = true
				break
			}

			// Check if another job for this resource is already running
			var runningCount int64
			if err := tx.Model(&model.Job{}).
				Where("resource_type = ? AND resource_id = ? AND status = ? AND id != ?",
					*candidate.ResourceType, *candidate.ResourceID, model.JobStatusRunning, candidate.ID).
				Count(&runningCount).Error; err != nil {
				return err
			}

			if runningCount == 0 {
				// No conflict, claim this job
				job = candidate
				found = true
				break
			}
			// Resource is busy, try next candidate
		}

		if !found {
			return nil // All candidates have resource conflicts
		}

		// Claim the job
		now := time.Now()
		job.Status = string(model.JobStatusRunning)
		job.WorkerID = &workerID
		job.StartedAt = &now
		job.Attempts++

		return tx.Save(&job).Error
	})

	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	return &job, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"completed_at": now,
		}).Error
}

// FailJob marks a job as failed with an error message.
// If attempts < max_attempts, requeues as pending for retry with backoff.
func (s *Store) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}

		if job.Attempts < job.MaxAttempts {
			// Retry: reset to pending with exponential backoff
			backoff := time.Duration(job.Attempts) * 30 * time.Second
			scheduledAt := time.Now().Add(backoff)

			return tx.Model(&job).Updates(map[string]interface{}{
				"status":       model.JobStatusPending,
				"worker_id":    nil,
				"started_at":   nil,
				"scheduled_at": scheduledAt,
				"error":        errMsg,
			}).Error
		}

		// Max attempts reached, mark as failed
		now := time.Now()
		return tx.Model(&job).Updates(map[string]interface{}{
			"status":       model.JobStatusFailed,
			"completed_at": now,
			"error":        errMsg,
		}).Error
	})
}

// CleanupStaleJobs resets jobs that have been running too long (worker died).
// Returns the number of jobs reset.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     model.JobStatusPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// --- Job Steps ---

// GetJobStep returns the recorded output of a step, or ErrNotFound if the
// step has not completed on any previous attempt.
func (s *Store) GetJobStep(ctx context.Context, jobID, name string) (*model.JobStep, error) {
	var step model.JobStep
	if err := s.db.WithContext(ctx).First(&step, "job_id = ? AND name = ?", jobID, name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &step, nil
}

// SaveJobStep records a completed step. The (job_id, name) pair is unique;
// a concurrent duplicate write is harmless because both attempts saved the
// same output.
func (s *Store) SaveJobStep(ctx context.Context, step *model.JobStep) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(step).Error
}

// --- Dispatcher Leader Election ---

// TryAcquireLeadership attempts to become the leader.
// Returns true if this server is now the leader.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, heartbeatTimeout time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-heartbeatTimeout)

	var acquired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.DispatcherLeader
		err := tx.First(&existing, "id = ?", model.DispatcherLeaderSingletonID).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No leader exists, try to become leader
			leader := model.DispatcherLeader{
				ID:          model.DispatcherLeaderSingletonID,
				ServerID:    serverID,
				HeartbeatAt: now,
				AcquiredAt:  now,
			}
			if err := tx.Create(&leader).Error; err != nil {
				// Another server might have won the race
				return nil
			}
			acquired = true
			return nil
		}

		if err != nil {
			return err
		}

		// Leader exists - check if it's us or if heartbeat has expired
		if existing.ServerID == serverID {
			// We are already the leader, update heartbeat
			existing.HeartbeatAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}

		if existing.HeartbeatAt.Before(cutoff) {
			// Previous leader's heartbeat expired, take over
			existing.ServerID = serverID
			existing.HeartbeatAt = now
			existing.AcquiredAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}

		// Another server is the active leader
		acquired = false
		return nil
	})

	return acquired, err
}

// ReleaseLeadership releases leadership on graceful shutdown.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND server_id = ?", model.DispatcherLeaderSingletonID, serverID).
		Delete(&model.DispatcherLeader{}).Error
}

// --- Project Events ---

// CreateProjectEvent persists a new event for a project.
func (s *Store) CreateProjectEvent(ctx context.Context, event *model.ProjectEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// ListProjectEventsSince returns all events for a project created after the given time.
// Events are returned in ascending order by creation time.
func (s *Store) ListProjectEventsSince(ctx context.Context, projectID string, since time.Time) ([]model.ProjectEvent, error) {
	var events []model.ProjectEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND created_at > ?", projectID, since).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListEventsAfterSeq returns all events (across all projects) with seq > afterSeq.
// Events are returned in ascending order by sequence number.
// This is used by the event poller to fetch new events globally.
func (s *Store) ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]model.ProjectEvent, error) {
	var events []model.ProjectEvent
	query := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// GetMaxEventSeq returns the maximum sequence number of all events.
// Returns 0 if there are no events.
func (s *Store) GetMaxEventSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.WithContext(ctx).
		Model(&model.ProjectEvent{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	return maxSeq, err
}

// DeleteOldProjectEvents deletes events older than the specified duration.
// This can be called periodically to clean up old events.
func (s *Store) DeleteOldProjectEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.ProjectEvent{})
	return result.RowsAffected, result.Error
}
