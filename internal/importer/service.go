/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package importer brings channels and timelines over from legacy
// systems. Imports run as persisted jobs so each run's outcome survives
// the process that performed it.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/eventbus"
	"github.com/friendsincode/tilefeed/internal/events"
)

// Service runs import jobs and records their outcome.
type Service struct {
	db        *gorm.DB
	bus       eventbus.Bus
	logger    zerolog.Logger
	importers map[SourceType]Importer
}

// NewService creates a new import service.
func NewService(db *gorm.DB, bus eventbus.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		bus:       bus,
		logger:    logger.With().Str("component", "importer").Logger(),
		importers: make(map[SourceType]Importer),
	}
}

// RegisterImporter registers an importer for a source type.
func (s *Service) RegisterImporter(sourceType SourceType, imp Importer) {
	s.importers[sourceType] = imp
}

// Run validates, executes, and records an import synchronously. The
// returned job carries the persisted outcome even when the import
// itself failed.
func (s *Service) Run(ctx context.Context, sourceType SourceType, options Options) (*Job, error) {
	imp, ok := s.importers[sourceType]
	if !ok {
		return nil, fmt.Errorf("no importer registered for source type %q", sourceType)
	}

	if err := imp.Validate(ctx, options); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		SourceType: sourceType,
		Status:     JobStatusRunning,
		DryRun:     options.DryRun,
		Options:    options,
		Progress:   Progress{Phase: "created", StartTime: now},
		StartedAt:  &now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("source_type", string(sourceType)).
		Bool("dry_run", options.DryRun).
		Msg("import job started")

	s.bus.Publish(events.EventImport, events.Payload{
		"job_id":      job.ID,
		"source_type": string(sourceType),
		"status":      string(job.Status),
	})

	progressCallback := func(p Progress) {
		job.Progress = p
		if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to update progress")
		}
	}

	result, runErr := imp.Import(ctx, options, progressCallback)
	if runErr != nil {
		job.Status = JobStatusFailed
		job.Error = runErr.Error()
		s.logger.Error().Err(runErr).Str("job_id", job.ID).Msg("import failed")
	} else {
		job.Status = JobStatusCompleted
		job.Result = result
		s.logger.Info().
			Str("job_id", job.ID).
			Int("channels", result.ChannelsCreated).
			Int("timelines", result.TimelinesCreated).
			Int("entries", result.EntriesImported).
			Msg("import job completed")
	}

	done := time.Now()
	job.CompletedAt = &done
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record job outcome")
	}

	s.bus.Publish(events.EventImport, events.Payload{
		"job_id": job.ID,
		"status": string(job.Status),
		"error":  job.Error,
	})

	return job, runErr
}

// RecoverStaleJobs marks jobs left in running state by an interrupted
// process as failed. Called on server startup.
func (s *Service) RecoverStaleJobs(ctx context.Context) error {
	var stale []*Job
	if err := s.db.WithContext(ctx).Where("status = ?", JobStatusRunning).Find(&stale).Error; err != nil {
		return fmt.Errorf("find stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	s.logger.Warn().Int("count", len(stale)).Msg("found stale import jobs from a previous run")

	now := time.Now()
	for _, job := range stale {
		job.Status = JobStatusFailed
		job.Error = "import interrupted, run the import again"
		job.CompletedAt = &now

		if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark stale job as failed")
		}
	}
	return nil
}
