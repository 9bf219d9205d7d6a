package syncer

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"sync"
	"time"

	"careline/internal/audit"
	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/repo"
)

// Coordinator drains the offline queue to the remote store and pulls patient
// master-data updates back down. It is safe to run from multiple goroutines:
// a single-flight set guarantees no local id is ever in transit twice.
type Coordinator struct {
	DB       *sql.DB
	Repo     LocalStore
	Audit    audit.Writer
	Remote   RemoteStore
	Config   *config.Config
	Region   string
	WorkerID string
	Now      func() time.Time
	Sleep    func(time.Duration)

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewCoordinator(cfg *config.Config, db *sql.DB, remote RemoteStore, workerID string) *Coordinator {
	return &Coordinator{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db, Now: time.Now},
		Remote:   remote,
		Config:   cfg,
		Region:   cfg.Deployment.Region,
		WorkerID: workerID,
		Now:      time.Now,
		Sleep:    time.Sleep,
		inflight: map[string]struct{}{},
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

// acquire claims a local id for upload; false means another worker already
// has it in transit.
func (c *Coordinator) acquire(localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[localID]; busy {
		return false
	}
	c.inflight[localID] = struct{}{}
	return true
}

func (c *Coordinator) release(localID string) {
	c.mu.Lock()
	delete(c.inflight, localID)
	c.mu.Unlock()
}

// Drain uploads everything pending, in bounded batches over a small worker
// pool. Failed records are returned to pending first so earlier outages get
// another chance in this cycle. Records that exhaust their attempts are marked
// failed but never dropped.
func (c *Coordinator) Drain(ctx context.Context) (domain.SyncResult, error) {
	var result domain.SyncResult
	if _, err := c.Repo.ResetFailed(ctx); err != nil {
		return result, err
	}

	for {
		batch, err := c.Repo.ListQueue(ctx, repo.QueueFilters{
			Status: domain.SyncPending,
			Limit:  c.Config.Sync.BatchSize,
		})
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		var (
			mu       sync.Mutex
			wg       sync.WaitGroup
			progress bool
			drainErr error
		)
		jobs := make(chan domain.OfflineAssessment)
		for i := 0; i < c.Config.Sync.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for oa := range jobs {
					outcome := c.upload(ctx, oa)
					mu.Lock()
					if outcome.err != nil {
						// A local mark failure leaves the record pending; that
						// is not progress, and retrying it in this cycle would
						// just spin.
						if drainErr == nil {
							drainErr = outcome.err
						}
						result.Skipped++
					} else {
						switch outcome.status {
						case domain.SyncSynced:
							result.Uploaded++
							progress = true
						case domain.SyncFailed:
							result.Failed++
							progress = true
						default:
							result.Skipped++
						}
					}
					if outcome.conflict != nil {
						result.Conflicts = append(result.Conflicts, *outcome.conflict)
					}
					mu.Unlock()
				}
			}()
		}
		for _, oa := range batch {
			jobs <- oa
		}
		close(jobs)
		wg.Wait()

		if drainErr != nil {
			return result, drainErr
		}
		if !progress {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()
	if err := c.Audit.Append(ctx, tx, "sync.drain", c.WorkerID, "", "queue", "", audit.Payload{
		"uploaded": result.Uploaded,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
	}); err != nil {
		return result, err
	}
	return result, tx.Commit()
}

type uploadOutcome struct {
	status   domain.SyncStatus
	conflict *domain.ConflictInfo
	err      error
}

// upload pushes one record with bounded retries. A remote duplicate counts as
// synced: the record made it on an earlier attempt.
func (c *Coordinator) upload(ctx context.Context, oa domain.OfflineAssessment) uploadOutcome {
	if !c.acquire(oa.LocalID) {
		return uploadOutcome{status: domain.SyncPending}
	}
	defer c.release(oa.LocalID)

	maxAttempts := c.Config.Sync.MaxAttempts
	base := c.Config.Backoff()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(backoffDelay(base, attempt))
		}
		err := c.Remote.PushAssessment(ctx, oa)
		if err == nil {
			if markErr := c.Repo.MarkSynced(ctx, oa.LocalID, c.now().UTC().Format(time.RFC3339)); markErr != nil {
				return uploadOutcome{status: domain.SyncPending, err: markErr}
			}
			return uploadOutcome{status: domain.SyncSynced}
		}
		if errors.Is(err, ErrAlreadySynced) {
			if markErr := c.Repo.MarkSynced(ctx, oa.LocalID, c.now().UTC().Format(time.RFC3339)); markErr != nil {
				return uploadOutcome{status: domain.SyncPending, err: markErr}
			}
			return uploadOutcome{
				status: domain.SyncSynced,
				conflict: &domain.ConflictInfo{
					LocalID:    oa.LocalID,
					Kind:       domain.ConflictAlreadySynced,
					Resolution: "remote copy kept; local record marked synced",
				},
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	if markErr := c.Repo.MarkFailed(ctx, oa.LocalID, oa.Attempts+maxAttempts); markErr != nil {
		return uploadOutcome{status: domain.SyncPending, err: markErr}
	}
	return uploadOutcome{status: domain.SyncFailed}
}

// backoffDelay is exponential with jitter so a fleet of devices regaining
// connectivity together does not stampede the server.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(base)))
}

// DownloadPatientUpdates pulls patient records changed since the last
// watermark and applies them locally. The server copy always wins; a local
// unsynced edit that gets overwritten is surfaced as a conflict. The watermark
// only advances after every record applied, so an interrupted download is
// re-fetched in full next time.
func (c *Coordinator) DownloadPatientUpdates(ctx context.Context) (int, []domain.ConflictInfo, error) {
	since, err := c.Repo.GetSyncWatermark(ctx, c.WorkerID)
	if err != nil {
		return 0, nil, err
	}
	if since == "" {
		since = "1970-01-01T00:00:00Z"
	}
	updates, err := c.Remote.FetchPatientUpdates(ctx, c.Region, since)
	if err != nil {
		return 0, nil, err
	}

	applied := 0
	watermark := since
	var conflicts []domain.ConflictInfo
	for _, p := range updates {
		ok, overwroteDirty, err := c.Repo.ApplyPatientUpdate(ctx, p)
		if err != nil {
			return applied, conflicts, err
		}
		if ok {
			applied++
		}
		if overwroteDirty {
			conflicts = append(conflicts, domain.ConflictInfo{
				LocalID:    p.ID,
				Kind:       domain.ConflictPatientServerWins,
				Resolution: "server version applied over local edit",
			})
		}
		if p.UpdatedAt > watermark {
			watermark = p.UpdatedAt
		}
	}

	if watermark != since {
		if err := c.Repo.SetSyncWatermark(ctx, c.WorkerID, watermark); err != nil {
			return applied, conflicts, err
		}
	}

	if len(conflicts) > 0 {
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return applied, conflicts, err
		}
		defer tx.Rollback()
		for _, cf := range conflicts {
			if err := c.Audit.Append(ctx, tx, "sync.conflict", c.WorkerID, cf.LocalID, "patient", cf.LocalID, audit.Payload{
				"kind":       string(cf.Kind),
				"resolution": cf.Resolution,
			}); err != nil {
				return applied, conflicts, err
			}
		}
		if err := tx.Commit(); err != nil {
			return applied, conflicts, err
		}
	}
	return applied, conflicts, nil
}

// Run loops forever, syncing whenever the remote is reachable. Connectivity
// is probed per cycle; an offline cycle is skipped quietly.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := time.Duration(c.Config.Sync.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := c.Remote.Ping(ctx); err != nil {
			continue
		}
		if _, err := c.Drain(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if _, _, err := c.DownloadPatientUpdates(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
