package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/revbackhq/revback/internal/models"
)

type fakeOrgLister struct {
	orgs []*models.Organization
	err  error
}

func (f *fakeOrgLister) ListActive(ctx context.Context) ([]*models.Organization, error) {
	return f.orgs, f.err
}

func newTestScheduler(t *testing.T, entries []ScheduleEntry, orgs *fakeOrgLister) (*Scheduler, *Queue) {
	t.Helper()
	q := newTestQueue(t, Config{})
	if orgs == nil {
		orgs = &fakeOrgLister{}
	}
	s := NewScheduler(q, q.client, orgs, entries, testLogger())
	return s, q
}

func TestBuildSchedule(t *testing.T) {
	entries := BuildSchedule([]string{"alpha", "beta", "gamma"})

	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}

	wantSpecs := []string{"0,30 * * * *", "10,40 * * * *", "20,50 * * * *"}
	for i, want := range wantSpecs {
		e := entries[i]
		if e.Spec != want {
			t.Errorf("entry %d spec = %q, want %q", i, e.Spec, want)
		}
		if e.Queue != ScheduledScans || e.JobType != JobTypeRunScan || e.OrgID != "all" {
			t.Errorf("entry %d = %+v, want scan defaults", i, e)
		}
		if !strings.HasPrefix(e.Name, "scan-") {
			t.Errorf("entry %d name = %q, want scan- prefix", i, e.Name)
		}
	}

	retention := entries[3]
	if retention.Name != "data-retention" || retention.Spec != "10 4 * * *" || retention.Queue != DataRetention {
		t.Errorf("retention entry = %+v", retention)
	}

	for _, e := range entries {
		if _, err := cron.ParseStandard(e.Spec); err != nil {
			t.Errorf("spec %q does not parse: %v", e.Spec, err)
		}
	}
}

func TestReconcileReplacesStoredSet(t *testing.T) {
	entries := BuildSchedule([]string{"alpha"})
	s, q := newTestScheduler(t, entries, nil)
	ctx := context.Background()

	q.client.HSet(ctx, repeatableKey, "scan-removed-detector", `{"name":"scan-removed-detector"}`)

	if err := s.reconcile(ctx); err != nil {
		t.Fatalf("reconcile() = %v", err)
	}

	stored, err := q.client.HGetAll(ctx, repeatableKey).Result()
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if _, ok := stored["scan-removed-detector"]; ok {
		t.Error("stale entry survived reconcile")
	}
	if len(stored) != len(entries) {
		t.Errorf("stored %d entries, want %d", len(stored), len(entries))
	}
	var got ScheduleEntry
	if err := json.Unmarshal([]byte(stored["scan-alpha"]), &got); err != nil {
		t.Fatalf("unmarshal stored entry: %v", err)
	}
	if got.DetectorID != "alpha" || got.OrgID != "all" {
		t.Errorf("stored entry = %+v", got)
	}
}

func TestFireLockPreventsDoubleFire(t *testing.T) {
	entry := ScheduleEntry{
		Name:       "scan-alpha",
		Spec:       "0,30 * * * *",
		Queue:      ScheduledScans,
		JobType:    JobTypeRunScan,
		DetectorID: "alpha",
		OrgID:      "org-1",
	}
	s, q := newTestScheduler(t, []ScheduleEntry{entry}, nil)

	fixed := time.Date(2026, 3, 14, 9, 30, 2, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.fire(entry)
	s.fire(entry)

	depth, err := q.client.LLen(context.Background(), pendingKey(ScheduledScans)).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if depth != 1 {
		t.Errorf("pending depth = %d, want 1 (second fire must be locked out)", depth)
	}

	// A later minute gets a fresh lock.
	s.now = func() time.Time { return fixed.Add(30 * time.Minute) }
	s.fire(entry)
	if depth, _ := q.client.LLen(context.Background(), pendingKey(ScheduledScans)).Result(); depth != 2 {
		t.Errorf("pending depth = %d, want 2 after the next slot", depth)
	}
}

func TestFireFansOutToActiveOrgs(t *testing.T) {
	entry := ScheduleEntry{
		Name:       "scan-alpha",
		Spec:       "0,30 * * * *",
		Queue:      ScheduledScans,
		JobType:    JobTypeRunScan,
		DetectorID: "alpha",
		OrgID:      "all",
	}
	lister := &fakeOrgLister{orgs: []*models.Organization{
		{ID: "org-1", Slug: "acme", IsActive: true},
		{ID: "org-2", Slug: "globex", IsActive: true},
	}}
	s, q := newTestScheduler(t, []ScheduleEntry{entry}, lister)
	ctx := context.Background()

	s.fire(entry)

	ids, err := q.client.LRange(ctx, pendingKey(ScheduledScans), 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("pending = %v, want 2 jobs", ids)
	}

	gotOrgs := make(map[string]bool)
	for _, id := range ids {
		job, err := q.loadJob(ctx, ScheduledScans, id)
		if err != nil {
			t.Fatalf("loadJob(%s): %v", id, err)
		}
		var payload ScanPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.DetectorID != "alpha" {
			t.Errorf("detectorId = %q, want alpha", payload.DetectorID)
		}
		gotOrgs[payload.OrgID] = true
	}
	if !gotOrgs["org-1"] || !gotOrgs["org-2"] {
		t.Errorf("fan-out orgs = %v, want org-1 and org-2", gotOrgs)
	}
}

func TestFireListerFailureEnqueuesNothing(t *testing.T) {
	entry := ScheduleEntry{
		Name:       "scan-alpha",
		Spec:       "0,30 * * * *",
		Queue:      ScheduledScans,
		JobType:    JobTypeRunScan,
		DetectorID: "alpha",
		OrgID:      "all",
	}
	s, q := newTestScheduler(t, []ScheduleEntry{entry}, &fakeOrgLister{err: errors.New("db down")})

	s.fire(entry)

	if depth, _ := q.client.LLen(context.Background(), pendingKey(ScheduledScans)).Result(); depth != 0 {
		t.Errorf("pending depth = %d, want 0", depth)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	entries := BuildSchedule([]string{"alpha", "beta"})
	s, _ := newTestScheduler(t, entries, &fakeOrgLister{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestSchedulerStartRejectsBadSpec(t *testing.T) {
	entries := []ScheduleEntry{{Name: "broken", Spec: "not-a-cron", Queue: ScheduledScans, JobType: JobTypeRunScan}}
	s, _ := newTestScheduler(t, entries, &fakeOrgLister{})

	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() = nil, want spec parse error")
		s.Stop(context.Background())
	}
}
