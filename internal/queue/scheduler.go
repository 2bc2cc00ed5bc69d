package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

const (
	repeatableKey = keyPrefix + "repeatable"
	lockKeyPrefix = keyPrefix + "lock:"
)

// ScheduleEntry is one repeatable job. OrgID "all" fans out to every active
// organization at fire time.
type ScheduleEntry struct {
	Name       string `json:"name"`
	Spec       string `json:"spec"`
	Queue      string `json:"queue"`
	JobType    string `json:"jobType"`
	DetectorID string `json:"detectorId,omitempty"`
	OrgID      string `json:"orgId,omitempty"`
}

// BuildSchedule returns the repeatable set: one half-hourly scan entry per
// detector, staggered across the half hour, plus the daily retention sweep.
func BuildSchedule(detectorIDs []string) []ScheduleEntry {
	entries := make([]ScheduleEntry, 0, len(detectorIDs)+1)
	for i, id := range detectorIDs {
		off := (i * 30) / len(detectorIDs)
		entries = append(entries, ScheduleEntry{
			Name:       "scan-" + id,
			Spec:       fmt.Sprintf("%d,%d * * * *", off, off+30),
			Queue:      ScheduledScans,
			JobType:    JobTypeRunScan,
			DetectorID: id,
			OrgID:      "all",
		})
	}
	entries = append(entries, ScheduleEntry{
		Name:    "data-retention",
		Spec:    "10 4 * * *",
		Queue:   DataRetention,
		JobType: JobTypeRetentionSweep,
	})
	return entries
}

// OrgLister resolves the fan-out set for OrgID "all" entries.
type OrgLister interface {
	ListActive(ctx context.Context) ([]*models.Organization, error)
}

// Scheduler fires the repeatable entries on their cron specs. All times are
// UTC. A per-fire Redis lock keyed by entry name and minute keeps multiple
// instances from double-firing.
type Scheduler struct {
	queue   *Queue
	client  *redis.Client
	orgs    OrgLister
	entries []ScheduleEntry
	cron    *cron.Cron
	logger  *slog.Logger
	lockTTL time.Duration
	now     func() time.Time
}

// NewScheduler wires a scheduler over an existing queue and Redis client.
func NewScheduler(q *Queue, client *redis.Client, orgs OrgLister, entries []ScheduleEntry, log *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:   q,
		client:  client,
		orgs:    orgs,
		entries: entries,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  log.With("component", "scheduler"),
		lockTTL: 2 * time.Minute,
		now:     time.Now,
	}
}

// Start reconciles the stored repeatable set and begins firing entries.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return err
	}
	for _, entry := range s.entries {
		entry := entry
		if _, err := s.cron.AddFunc(entry.Spec, func() { s.fire(entry) }); err != nil {
			return apperr.Wrap(apperr.KindValidation, fmt.Sprintf("schedule %q spec %q", entry.Name, entry.Spec), err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.entries))
	return nil
}

// Stop halts firing and waits for in-flight fires until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	idle := s.cron.Stop()
	select {
	case <-idle.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindInternal, "scheduler stop deadline exceeded", ctx.Err())
	}
}

// reconcile replaces the stored repeatable set with the current entries so
// operators can inspect what this build schedules, and stale names from
// older builds disappear.
func (s *Scheduler) reconcile(ctx context.Context) error {
	stored, err := s.client.HGetAll(ctx, repeatableKey).Result()
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "read repeatable set", err)
	}

	current := make(map[string]bool, len(s.entries))
	pipe := s.client.TxPipeline()
	for _, entry := range s.entries {
		current[entry.Name] = true
		data, err := json.Marshal(entry)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "marshal schedule entry", err)
		}
		pipe.HSet(ctx, repeatableKey, entry.Name, data)
	}
	for name := range stored {
		if !current[name] {
			pipe.HDel(ctx, repeatableKey, name)
			s.logger.Info("dropping stale schedule", "name", name)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "write repeatable set", err)
	}
	return nil
}

func (s *Scheduler) fire(entry ScheduleEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bucket := s.now().UTC().Format("200601021504")
	ok, err := s.client.SetNX(ctx, lockKeyPrefix+entry.Name+":"+bucket, 1, s.lockTTL).Result()
	if err != nil {
		s.logger.Error("fire lock failed", "name", entry.Name, "error", err)
		return
	}
	if !ok {
		s.logger.Debug("fire skipped, another instance holds the lock", "name", entry.Name, "bucket", bucket)
		return
	}

	if err := s.enqueueEntry(ctx, entry, bucket); err != nil {
		s.logger.Error("fire failed", "name", entry.Name, "error", err)
	}
}

func (s *Scheduler) enqueueEntry(ctx context.Context, entry ScheduleEntry, bucket string) error {
	if entry.OrgID != "all" {
		var payload any
		if entry.DetectorID != "" || entry.OrgID != "" {
			payload = ScanPayload{DetectorID: entry.DetectorID, OrgID: entry.OrgID}
		}
		jobID := "cron-" + entry.Name + "-" + bucket
		return s.queue.Enqueue(ctx, entry.Queue, entry.JobType, jobID, payload)
	}

	orgIDs, err := s.activeOrgIDs(ctx)
	if err != nil {
		return err
	}
	for _, orgID := range orgIDs {
		jobID := "cron-" + entry.Name + "-" + bucket + "-" + orgID
		payload := ScanPayload{DetectorID: entry.DetectorID, OrgID: orgID}
		if err := s.queue.Enqueue(ctx, entry.Queue, entry.JobType, jobID, payload); err != nil {
			return err
		}
	}
	s.logger.Info("schedule fired", "name", entry.Name, "orgs", len(orgIDs))
	return nil
}

func (s *Scheduler) activeOrgIDs(ctx context.Context) ([]string, error) {
	orgs, err := s.orgs.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(orgs))
	for _, org := range orgs {
		ids = append(ids, org.ID)
	}
	return ids, nil
}
