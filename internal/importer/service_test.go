package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/events"
)

type fakeImporter struct {
	validateErr error
	importErr   error
	result      *Result
	progressed  bool
}

func (f *fakeImporter) Validate(ctx context.Context, options Options) error {
	return f.validateErr
}

func (f *fakeImporter) Import(ctx context.Context, options Options, progressCallback ProgressCallback) (*Result, error) {
	if progressCallback != nil {
		progressCallback(Progress{Phase: "importing_screens", Percentage: 50})
		f.progressed = true
	}
	if f.importErr != nil {
		return nil, f.importErr
	}
	return f.result, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *events.Bus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	return NewService(db, bus, zerolog.Nop()), db, bus
}

func TestRunPersistsCompletedJob(t *testing.T) {
	svc, db, bus := newTestService(t)
	sub := bus.Subscribe(events.EventImport)

	fake := &fakeImporter{result: &Result{ChannelsCreated: 2, TimelinesCreated: 2, EntriesImported: 7}}
	svc.RegisterImporter(SourceTypeSignage, fake)

	job, err := svc.Run(context.Background(), SourceTypeSignage, Options{SourceDSN: "host=legacy"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != JobStatusCompleted {
		t.Errorf("Status = %q, want %q", job.Status, JobStatusCompleted)
	}
	if job.Result == nil || job.Result.ChannelsCreated != 2 {
		t.Errorf("Result = %+v, want 2 channels", job.Result)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if !fake.progressed {
		t.Error("progress callback never invoked")
	}

	var stored Job
	if err := db.First(&stored, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if stored.Status != JobStatusCompleted {
		t.Errorf("stored Status = %q, want %q", stored.Status, JobStatusCompleted)
	}
	if stored.Result == nil || stored.Result.EntriesImported != 7 {
		t.Errorf("stored Result = %+v, want 7 entries", stored.Result)
	}

	if got := len(sub); got != 2 {
		t.Errorf("import events published = %d, want 2", got)
	}
}

func TestRunRecordsFailure(t *testing.T) {
	svc, db, _ := newTestService(t)
	svc.RegisterImporter(SourceTypeSignage, &fakeImporter{importErr: errors.New("legacy schema mismatch")})

	job, err := svc.Run(context.Background(), SourceTypeSignage, Options{SourceDSN: "host=legacy"})
	if err == nil {
		t.Fatal("Run() error = nil, want import failure")
	}
	if job == nil {
		t.Fatal("job = nil, want persisted job")
	}
	if job.Status != JobStatusFailed {
		t.Errorf("Status = %q, want %q", job.Status, JobStatusFailed)
	}

	var stored Job
	if err := db.First(&stored, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if stored.Status != JobStatusFailed {
		t.Errorf("stored Status = %q, want %q", stored.Status, JobStatusFailed)
	}
	if stored.Error == "" {
		t.Error("stored Error empty, want failure message")
	}
}

func TestRunUnknownSourceType(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Run(context.Background(), SourceType("mystery"), Options{}); err == nil {
		t.Fatal("Run() error = nil, want unregistered source error")
	}
}

func TestRunValidationFailureCreatesNoJob(t *testing.T) {
	svc, db, _ := newTestService(t)
	svc.RegisterImporter(SourceTypeSignage, &fakeImporter{
		validateErr: ValidationErrors{{Field: "source_dsn", Message: "legacy database DSN is required"}},
	})

	if _, err := svc.Run(context.Background(), SourceTypeSignage, Options{}); err == nil {
		t.Fatal("Run() error = nil, want validation failure")
	}

	var count int64
	if err := db.Model(&Job{}).Count(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		t.Errorf("jobs persisted = %d, want 0", count)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	svc, db, _ := newTestService(t)

	started := time.Now().Add(-time.Hour)
	if err := db.Create(&Job{
		ID:         "job-stale",
		SourceType: SourceTypeSignage,
		Status:     JobStatusRunning,
		StartedAt:  &started,
	}).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := db.Create(&Job{
		ID:         "job-done",
		SourceType: SourceTypeSignage,
		Status:     JobStatusCompleted,
	}).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if err := svc.RecoverStaleJobs(context.Background()); err != nil {
		t.Fatalf("RecoverStaleJobs() error = %v", err)
	}

	var recovered Job
	if err := db.First(&recovered, "id = ?", "job-stale").Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if recovered.Status != JobStatusFailed {
		t.Errorf("Status = %q, want %q", recovered.Status, JobStatusFailed)
	}
	if recovered.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	var untouched Job
	if err := db.First(&untouched, "id = ?", "job-done").Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if untouched.Status != JobStatusCompleted {
		t.Errorf("completed job Status = %q, want unchanged", untouched.Status)
	}
}
