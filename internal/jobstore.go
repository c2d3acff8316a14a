package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStaleWrite means a save lost a version race: the stored state is
// newer than the write's.
var ErrStaleWrite = errors.New("stale job write rejected")

// ErrJobNotFound means the job has no persisted state.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists batch job state. Saves carry the state and its
// token in one write so a crash can't separate them, and they
// compare-and-swap on the version counter.
type JobStore interface {
	SaveJob(ctx context.Context, state JobState, token TokenEnvelope, alarmAt time.Time) error
	LoadJob(ctx context.Context, jobID string) (JobState, TokenEnvelope, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// pgJobStore is the durable store. State and token rows go out in a
// single batch; the state UPDATE carries the version guard.
type pgJobStore struct {
	db *pgxpool.Pool
}

var _ JobStore = (*pgJobStore)(nil)

// NewJobStore creates the Postgres-backed job store.
func NewJobStore(db *pgxpool.Pool) JobStore {
	return &pgJobStore{db: db}
}

func (s *pgJobStore) SaveJob(ctx context.Context, state JobState, token TokenEnvelope, alarmAt time.Time) error {
	blob, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding job state: %w", err)
	}

	// Transient persistence errors are retried; version conflicts are
	// not, they mean another writer won.
	return retry.Do(
		func() error {
			batch := &pgx.Batch{}
			batch.Queue(`
				INSERT INTO jobs (job_id, state, version, updated)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (job_id) DO UPDATE
				SET state = EXCLUDED.state, version = EXCLUDED.version, updated = now()
				WHERE jobs.version < EXCLUDED.version`,
				state.JobID, blob, state.Version)
			batch.Queue(`
				INSERT INTO job_tokens (job_id, token, expires)
				VALUES ($1, $2, $3)
				ON CONFLICT (job_id) DO UPDATE
				SET token = EXCLUDED.token, expires = EXCLUDED.expires`,
				state.JobID, token.AuthToken, token.AuthTokenExpiresAt)
			batch.Queue(`
				INSERT INTO job_alarms (job_id, fire_at)
				VALUES ($1, $2)
				ON CONFLICT (job_id) DO UPDATE SET fire_at = EXCLUDED.fire_at`,
				state.JobID, alarmAt)

			res := s.db.SendBatch(ctx, batch)
			defer res.Close()

			tag, err := res.Exec()
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return retry.Unrecoverable(ErrStaleWrite)
			}
			for range 2 {
				if _, err := res.Exec(); err != nil {
					return err
				}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
	)
}

func (s *pgJobStore) LoadJob(ctx context.Context, jobID string) (JobState, TokenEnvelope, error) {
	row := s.db.QueryRow(ctx, `
		SELECT j.state, t.token, t.expires
		FROM jobs j JOIN job_tokens t USING (job_id)
		WHERE j.job_id = $1`, jobID)

	var blob []byte
	var token TokenEnvelope
	err := row.Scan(&blob, &token.AuthToken, &token.AuthTokenExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobState{}, TokenEnvelope{}, ErrJobNotFound
	}
	if err != nil {
		return JobState{}, TokenEnvelope{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}

	var state JobState
	if err := sonic.Unmarshal(blob, &state); err != nil {
		return JobState{}, TokenEnvelope{}, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	return state, token, nil
}

func (s *pgJobStore) DeleteJob(ctx context.Context, jobID string) error {
	// Token and alarm rows cascade.
	_, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	return err
}

// NewMemoryJobStore returns an in-memory job store with the same CAS
// semantics as the durable one.
func NewMemoryJobStore() JobStore {
	return newMemoryJobStore()
}

// memoryJobStore backs tests. Same CAS semantics as the durable store.
type memoryJobStore struct {
	mu     sync.Mutex
	states map[string]JobState
	tokens map[string]TokenEnvelope
	alarms map[string]time.Time
}

var _ JobStore = (*memoryJobStore)(nil)

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{
		states: map[string]JobState{},
		tokens: map[string]TokenEnvelope{},
		alarms: map[string]time.Time{},
	}
}

func (s *memoryJobStore) SaveJob(_ context.Context, state JobState, token TokenEnvelope, alarmAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.states[state.JobID]; ok && prev.Version >= state.Version {
		return ErrStaleWrite
	}
	s.states[state.JobID] = state.snapshot()
	s.tokens[state.JobID] = token
	s.alarms[state.JobID] = alarmAt
	return nil
}

func (s *memoryJobStore) LoadJob(_ context.Context, jobID string) (JobState, TokenEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[jobID]
	if !ok {
		return JobState{}, TokenEnvelope{}, ErrJobNotFound
	}
	return state.snapshot(), s.tokens[jobID], nil
}

func (s *memoryJobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, jobID)
	delete(s.tokens, jobID)
	delete(s.alarms, jobID)
	return nil
}
