package executor

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/errors"
)

// JobStore persists job records. A writer mutex serializes mutations;
// terminal stickiness is additionally enforced in SQL so a racing update
// can never rewrite a terminal row.
type JobStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

// NewJobStore creates a JobStore. The jobs table must already be migrated.
func NewJobStore(db *sql.DB, logger *zap.SugaredLogger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// CreateJob inserts a new queued job.
func (s *JobStore) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO jobs (job_id, state, input_payload, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		job.JobID, job.State, job.InputPayload, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	return nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *JobStore) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, state, input_payload, output_payload, error, cancel_requested, prompt_id, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID)

	var job Job
	var output, errMsg, promptID sql.NullString
	var cancelRequested int
	err := row.Scan(&job.JobID, &job.State, &job.InputPayload, &output, &errMsg,
		&cancelRequested, &promptID, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query job")
	}
	job.OutputPayload = output.String
	job.Error = errMsg.String
	job.PromptID = promptID.String
	job.CancelRequested = cancelRequested != 0
	return &job, nil
}

// MarkRunning transitions queued -> running. Returns ErrConflict when the
// job already left the queued state (e.g. canceled before pickup).
func (s *JobStore) MarkRunning(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET state = ?, updated_at = ? WHERE job_id = ? AND state = ?`,
		StateRunning, now(), jobID, StateQueued,
	)
	if err != nil {
		return errors.Wrap(err, "mark running")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s not queued", jobID)
	}
	return nil
}

// SetPromptID records the engine prompt id on a non-terminal job.
func (s *JobStore) SetPromptID(jobID, promptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE jobs SET prompt_id = ?, updated_at = ?
		WHERE job_id = ? AND state IN (?, ?)`,
		promptID, now(), jobID, StateQueued, StateRunning,
	)
	if err != nil {
		return errors.Wrap(err, "set prompt id")
	}
	return nil
}

// Complete transitions a non-terminal job to completed with its output.
func (s *JobStore) Complete(jobID string, output *Output) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return errors.Wrap(err, "encode job output")
	}
	return s.finish(jobID, StateCompleted, string(encoded), "")
}

// Fail transitions a non-terminal job to failed with a taxonomy error
// string.
func (s *JobStore) Fail(jobID, errMsg string) error {
	return s.finish(jobID, StateFailed, "", errMsg)
}

// Cancel transitions a non-terminal job to canceled.
func (s *JobStore) Cancel(jobID string) error {
	return s.finish(jobID, StateCanceled, "", "")
}

func (s *JobStore) finish(jobID, state, output, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET state = ?, output_payload = ?, error = ?, updated_at = ?
		WHERE job_id = ? AND state IN (?, ?)`,
		state, nullIfEmpty(output), nullIfEmpty(errMsg), now(),
		jobID, StateQueued, StateRunning,
	)
	if err != nil {
		return errors.Wrapf(err, "transition to %s", state)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s already terminal", jobID)
	}
	if s.logger != nil {
		s.logger.Infow("Job reached terminal state",
			"job_id", jobID,
			"state", state,
			"error", errMsg,
		)
	}
	return nil
}

// RequestCancel sets the cancel flag on a non-terminal job and returns the
// refreshed record. Idempotent; terminal jobs are returned unchanged.
func (s *JobStore) RequestCancel(jobID string) (*Job, error) {
	s.mu.Lock()
	_, err := s.db.Exec(`
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE job_id = ? AND state IN (?, ?)`,
		now(), jobID, StateQueued, StateRunning,
	)
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "request cancel")
	}
	return s.GetJob(jobID)
}

// CancelRequested reads just the cancel flag.
func (s *JobStore) CancelRequested(jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRow(`SELECT cancel_requested FROM jobs WHERE job_id = ?`, jobID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, errors.NewNotFoundError("job %s", jobID)
	}
	if err != nil {
		return false, errors.Wrap(err, "query cancel flag")
	}
	return flag != 0, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
