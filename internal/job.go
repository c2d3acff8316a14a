package internal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// _tokenTTL is the capability token lifetime; refresh extends it by
	// the same amount.
	_tokenTTL = 2 * time.Hour

	// _refreshWindow is how close to expiry a refresh must be.
	_refreshWindow = 30 * time.Minute

	// _cleanupAfter is the job's hard lifetime ceiling.
	_cleanupAfter = 24 * time.Hour

	// Persistence throttling: persist after this many mutations or this
	// much elapsed time, whichever comes first. Terminal transitions
	// always persist.
	_persistEvery    = 10
	_persistInterval = 5 * time.Second

	// _persistRetryDelay spaces re-attempts of a failed terminal
	// persist. Non-terminal failures just wait for the next throttle
	// tick.
	_persistRetryDelay = 2 * time.Second

	// _jobWorkers bounds per-job item parallelism.
	_jobWorkers = 4
)

// Enricher resolves one batch item to a book ID. Failures are
// classified provider errors.
type Enricher func(ctx context.Context, item BatchItem) (bookID string, err error)

// LaunchResult is returned to the client that started a batch job.
type LaunchResult struct {
	JobID              string    `json:"jobId"`
	StreamURL          string    `json:"streamURL"`
	AuthToken          string    `json:"authToken"`
	AuthTokenExpiresAt time.Time `json:"authTokenExpiresAt"`
}

// JobManager owns the live actors. Exactly one actor runs per job ID;
// all job mutations funnel through its mailbox, so handlers for one job
// never run concurrently.
type JobManager struct {
	store   JobStore
	enrich  Enricher
	metrics *jobMetrics

	// retryDelay paces terminal persist re-attempts. Tests shorten it.
	retryDelay time.Duration

	mu     sync.Mutex
	actors map[string]*jobActor
}

// NewJobManager creates the manager. Jobs launched here live until
// their cleanup alarm fires.
func NewJobManager(store JobStore, enrich Enricher, reg *prometheus.Registry) *JobManager {
	return &JobManager{
		store:      store,
		enrich:     enrich,
		metrics:    newJobMetrics(reg),
		retryDelay: _persistRetryDelay,
		actors:     map[string]*jobActor{},
	}
}

// Launch creates a job, persists it, and starts processing its items.
func (m *JobManager) Launch(ctx context.Context, ownerPrincipal string, items []BatchItem) (LaunchResult, error) {
	if len(items) == 0 {
		return LaunchResult{}, errBadRequest
	}

	now := time.Now().UTC()
	state := JobState{
		JobID:          uuid.NewString(),
		OwnerPrincipal: ownerPrincipal,
		Status:         JobRunning,
		Items:          items,
		TotalItems:     len(items),
		PerItemResults: make([]ItemOutcome, len(items)),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	token := TokenEnvelope{
		AuthToken:          uuid.NewString(),
		AuthTokenExpiresAt: now.Add(_tokenTTL),
	}

	a := &jobActor{
		m:           m,
		state:       state,
		token:       token,
		mailbox:     make(chan func(), 64),
		alarmAt:     now.Add(_cleanupAfter),
		lastPersist: now,
	}
	a.stream = newProgressStream(state.JobID, func(presented string) {
		// Client-initiated cancel over the stream.
		_ = m.Cancel(context.Background(), state.JobID, presented)
	})
	a.stream.metrics = m.metrics

	if err := m.store.SaveJob(ctx, state, token, a.alarmAt); err != nil {
		return LaunchResult{}, fmt.Errorf("persisting job: %w", err)
	}

	m.mu.Lock()
	m.actors[state.JobID] = a
	m.mu.Unlock()

	m.metrics.launchedInc()
	m.metrics.actorsAdd(1)

	a.alarm = time.AfterFunc(_cleanupAfter, func() { a.post((*jobActor).onAlarm) })
	go a.run()
	a.startWork()

	Log(ctx).Info("batch job launched", "job", state.JobID, "items", len(items))

	return LaunchResult{
		JobID:              state.JobID,
		StreamURL:          "/ws/progress?jobId=" + state.JobID,
		AuthToken:          token.AuthToken,
		AuthTokenExpiresAt: token.AuthTokenExpiresAt,
	}, nil
}

// AttachStream validates the token and binds the websocket connection
// to the job's stream.
func (m *JobManager) AttachStream(ctx context.Context, jobID, presented string, conn *websocket.Conn, lastSeq int64) error {
	a := m.actor(jobID)
	if a == nil {
		return errNotFound
	}
	return a.ask(func(a *jobActor) error {
		if err := a.checkToken(presented); err != nil {
			return err
		}
		a.stream.Attach(conn, lastSeq, a.state.snapshot())
		return nil
	})
}

// Cancel stops a running job. Idempotent: cancelling a cancelled job
// succeeds; cancelling any other terminal job conflicts.
func (m *JobManager) Cancel(ctx context.Context, jobID, presented string) error {
	a := m.actor(jobID)
	if a == nil {
		return errNotFound
	}
	return a.ask(func(a *jobActor) error {
		if err := a.checkToken(presented); err != nil {
			return err
		}
		switch {
		case a.state.Status == JobCancelled:
			return nil
		case a.state.Status.Terminal():
			return errConflict
		}
		a.cancelWork()
		a.transition(ctx, JobCancelled)
		return nil
	})
}

// RefreshToken rotates the job token. Allowed only inside the refresh
// window; the old token is invalid the moment this returns. The store
// write happens off the mailbox so a concurrent refresher observes the
// in-flight refresh as a conflict instead of serializing behind it.
func (m *JobManager) RefreshToken(ctx context.Context, jobID, presented string) (TokenEnvelope, error) {
	a := m.actor(jobID)
	if a == nil {
		return TokenEnvelope{}, errNotFound
	}

	var (
		snap    JobState
		next    TokenEnvelope
		alarmAt time.Time
	)
	err := a.ask(func(a *jobActor) error {
		if err := a.checkToken(presented); err != nil {
			return err
		}
		if a.refreshInProgress {
			return &RefreshConflictError{JobID: jobID}
		}
		remaining := time.Until(a.token.AuthTokenExpiresAt)
		if remaining <= 0 || remaining > _refreshWindow {
			return errBadRequest
		}

		a.refreshInProgress = true
		a.state.Version++
		a.state.UpdatedAt = time.Now().UTC()
		snap = a.state.snapshot()
		alarmAt = a.alarmAt
		next = TokenEnvelope{
			AuthToken:          uuid.NewString(),
			AuthTokenExpiresAt: time.Now().UTC().Add(_tokenTTL),
		}
		return nil
	})
	if err != nil {
		return TokenEnvelope{}, err
	}

	saveErr := m.store.SaveJob(ctx, snap, next, alarmAt)

	err = a.ask(func(a *jobActor) error {
		a.refreshInProgress = false
		if saveErr != nil {
			return fmt.Errorf("persisting refreshed token: %w", saveErr)
		}
		a.token = next
		return nil
	})
	if err != nil {
		return TokenEnvelope{}, err
	}
	return next, nil
}

// AuthorizedSnapshot validates the token before returning the state.
func (m *JobManager) AuthorizedSnapshot(ctx context.Context, jobID, presented string) (JobState, error) {
	if a := m.actor(jobID); a != nil {
		var snap JobState
		err := a.ask(func(a *jobActor) error {
			if err := a.checkToken(presented); err != nil {
				return err
			}
			snap = a.state.snapshot()
			return nil
		})
		return snap, err
	}
	state, token, err := m.store.LoadJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return JobState{}, errNotFound
	}
	if err != nil {
		return JobState{}, err
	}
	if !token.Valid(time.Now()) ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(token.AuthToken)) != 1 {
		return JobState{}, errInvalidToken
	}
	return state, nil
}

// Snapshot returns the job's current state: from the live actor when
// one exists, otherwise from the store.
func (m *JobManager) Snapshot(ctx context.Context, jobID string) (JobState, error) {
	if a := m.actor(jobID); a != nil {
		var snap JobState
		err := a.ask(func(a *jobActor) error {
			snap = a.state.snapshot()
			return nil
		})
		return snap, err
	}
	state, _, err := m.store.LoadJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return JobState{}, errNotFound
	}
	return state, err
}

func (m *JobManager) actor(jobID string) *jobActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[jobID]
}

func (m *JobManager) unregister(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[jobID]; ok {
		delete(m.actors, jobID)
		m.metrics.actorsAdd(-1)
	}
}

// jobActor serializes all mutations of one job's state through its
// mailbox. Only the run loop touches state, token, and the stream's
// send side.
type jobActor struct {
	m *JobManager

	state             JobState
	token             TokenEnvelope
	refreshInProgress bool
	stream            *ProgressStream

	mailbox chan func()
	stopped bool
	postMu  sync.Mutex

	workCancel context.CancelFunc
	alarm      *time.Timer
	alarmAt    time.Time

	updatesSincePersist int
	lastPersist         time.Time
}

func (a *jobActor) run() {
	for fn := range a.mailbox {
		fn()
	}
}

// post enqueues a handler; no-op once the actor has stopped.
func (a *jobActor) post(fn func(*jobActor)) {
	a.postMu.Lock()
	defer a.postMu.Unlock()
	if a.stopped {
		return
	}
	a.mailbox <- func() { fn(a) }
}

// ask posts a handler and waits for its result.
func (a *jobActor) ask(fn func(*jobActor) error) error {
	done := make(chan error, 1)
	a.postMu.Lock()
	if a.stopped {
		a.postMu.Unlock()
		return errNotFound
	}
	a.mailbox <- func() { done <- fn(a) }
	a.postMu.Unlock()
	return <-done
}

func (a *jobActor) stop() {
	a.postMu.Lock()
	defer a.postMu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	close(a.mailbox)
}

// checkToken is a constant-time compare plus expiry check.
func (a *jobActor) checkToken(presented string) error {
	if !a.token.Valid(time.Now()) {
		return errInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.token.AuthToken)) != 1 {
		return errInvalidToken
	}
	return nil
}

// startWork fans the items out to a bounded worker pool. Results come
// back through the mailbox, one handler per item.
func (a *jobActor) startWork() {
	ctx, cancel := context.WithCancel(context.Background())
	a.workCancel = cancel

	indexes := make(chan int)
	var wg sync.WaitGroup
	for range min(_jobWorkers, len(a.state.Items)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				item := a.state.Items[i]
				bookID, err := a.m.enrich(ctx, item)
				a.post(func(a *jobActor) { a.onItemResult(i, item, bookID, err) })
			}
		}()
	}

	go func() {
		defer close(indexes)
		for i := range a.state.Items {
			select {
			case indexes <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		a.post((*jobActor).onWorkDone)
	}()
}

// onItemResult records one item outcome and streams it. Runs on the
// actor goroutine.
func (a *jobActor) onItemResult(index int, item BatchItem, bookID string, err error) {
	if a.state.Status.Terminal() {
		return
	}

	outcome := ItemOutcome{Index: index, Input: itemLabel(item), Outcome: "ok", BookID: bookID}
	if err != nil {
		outcome.Outcome = "failed"
		outcome.ErrorKind = failureKindOf(err).String()
		a.state.FailedItems++
	} else {
		a.state.CompletedItems++
	}
	a.state.PerItemResults[index] = outcome
	a.state.Version++
	a.state.UpdatedAt = time.Now().UTC()
	a.updatesSincePersist++
	a.maybePersist()

	a.stream.Send(MsgItemDone, outcome)
	a.stream.Send(MsgProgress, map[string]int{
		"total":     a.state.TotalItems,
		"completed": a.state.CompletedItems,
		"failed":    a.state.FailedItems,
	})
}

// onWorkDone settles the terminal status once every item has reported.
func (a *jobActor) onWorkDone() {
	if a.state.Status.Terminal() {
		return
	}
	switch {
	case a.state.FailedItems == 0:
		a.transition(context.Background(), JobCompleted)
	case a.state.FailedItems == a.state.TotalItems:
		a.transition(context.Background(), JobFailed)
	default:
		a.transition(context.Background(), JobPartial)
	}
}

// transition moves to a terminal status. The terminal stream message is
// held back until the state is durable.
func (a *jobActor) transition(ctx context.Context, status JobStatus) {
	a.state.Status = status
	a.state.Version++
	a.state.UpdatedAt = time.Now().UTC()
	a.settle(ctx)
}

// settle persists the terminal state and, once stored, acknowledges it
// on the stream. A failed persist re-arms a retry instead of
// acknowledging; completion is never announced before it is durable.
func (a *jobActor) settle(ctx context.Context) {
	if !a.persist() {
		time.AfterFunc(a.m.retryDelay, func() {
			a.post(func(a *jobActor) { a.settle(context.Background()) })
		})
		return
	}

	status := a.state.Status
	a.m.metrics.terminalInc(status)

	msg := MsgCompleted
	switch status {
	case JobFailed, JobExpired:
		msg = MsgFailed
	case JobCancelled:
		msg = MsgCancelled
	case JobPartial:
		msg = MsgCompleted
	}
	a.stream.Send(msg, a.state.snapshot())
	a.stream.Close()

	Log(ctx).Info("batch job settled", "job", a.state.JobID, "status", status,
		"completed", a.state.CompletedItems, "failed", a.state.FailedItems)
}

// onAlarm fires at the 24h ceiling: expire anything still running, then
// delete every persisted trace and retire the actor.
func (a *jobActor) onAlarm() {
	if !a.state.Status.Terminal() {
		a.workCancel()
		a.transition(context.Background(), JobExpired)
	}
	if err := a.m.store.DeleteJob(context.Background(), a.state.JobID); err != nil {
		Log(context.Background()).Warn("job cleanup failed", "job", a.state.JobID, "err", err)
	}
	a.stream.Close()
	a.m.unregister(a.state.JobID)
	a.stop()
}

func (a *jobActor) cancelWork() {
	if a.workCancel != nil {
		a.workCancel()
	}
}

// maybePersist applies the persistence throttle for non-terminal
// updates. Failed writes are retried on the next tick; the job carries
// on with its in-memory state meanwhile.
func (a *jobActor) maybePersist() {
	if a.updatesSincePersist < _persistEvery &&
		time.Since(a.lastPersist) < _persistInterval {
		return
	}
	a.persist()
}

// persist writes the current state and token, reporting whether they
// are durable. A stale-write rejection means a newer writer won, which
// counts.
func (a *jobActor) persist() bool {
	err := a.m.store.SaveJob(context.Background(), a.state.snapshot(), a.token, a.alarmAt)
	if err != nil && !errors.Is(err, ErrStaleWrite) {
		Log(context.Background()).Warn("job persist failed", "job", a.state.JobID, "err", err)
		return false
	}
	a.updatesSincePersist = 0
	a.lastPersist = time.Now()
	return true
}

func itemLabel(item BatchItem) string {
	if item.ISBN != "" {
		return item.ISBN
	}
	if item.Author != "" {
		return item.Title + " / " + item.Author
	}
	return item.Title
}
