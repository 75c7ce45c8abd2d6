package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/city-of-baltimore/atves/lib/scrapers/conduent"
	"github.com/city-of-baltimore/atves/services/ingest/db"
)

// ProcessTrafficCounts imports the per-day vehicle counts from both
// vendors. Axsis covers the speed cameras, CiteWeb the red light
// cameras; either source may be absent.
func (s *Service) ProcessTrafficCounts(ctx context.Context, start, end time.Time) error {
	ctx, span := tracer.Start(ctx, "ProcessTrafficCounts")
	defer span.End()

	if s.axsis == nil && s.conduent == nil {
		slog.WarnContext(ctx, "no portal credentials configured, skipping traffic counts")
		return nil
	}

	err := s.forEachMissingChunk(ctx, db.DatasetTrafficCounts, start, end,
		func(ctx context.Context, start, end time.Time) error {
			var counts []db.TrafficCount

			if s.axsis != nil {
				axsisCounts, err := s.axsis.GetTrafficCounts(ctx, start, end)
				if err != nil {
					return err
				}
				for _, count := range axsisCounts {
					counts = append(counts, db.TrafficCount{
						LocationCode: count.LocationCode,
						Date:         count.Date,
						Count:        count.Count,
					})
				}
			} else {
				slog.WarnContext(ctx, "axsis credentials not configured, skipping speed camera counts")
			}

			if s.conduent != nil {
				citewebCounts, err := s.conduent.GetTrafficCountsByLocation(ctx, start, end)
				if err != nil {
					return err
				}
				for _, count := range citewebCounts {
					counts = append(counts, db.TrafficCount{
						LocationCode: count.LocationCode,
						Date:         count.Date,
						Count:        count.Count,
					})
				}
			} else {
				slog.WarnContext(ctx, "citeweb credentials not configured, skipping red light counts")
			}

			return s.store.UpsertTrafficCounts(ctx, counts)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "traffic count import failed")
	}
	return err
}

// ProcessViolations imports violation counts from the Axsis lane
// performance report. Each summary row fans out into one violation row
// per workflow state.
func (s *Service) ProcessViolations(ctx context.Context, start, end time.Time) error {
	ctx, span := tracer.Start(ctx, "ProcessViolations")
	defer span.End()

	if s.axsis == nil {
		slog.WarnContext(ctx, "axsis credentials not configured, skipping violations")
		return nil
	}

	err := s.forEachMissingChunk(ctx, db.DatasetViolations, start, end,
		func(ctx context.Context, start, end time.Time) error {
			summaries, err := s.axsis.GetLocationSummaryByLane(ctx, start, end)
			if err != nil {
				return err
			}

			var violations []db.Violation
			for _, summary := range summaries {
				counters := []struct {
					label string
					count int
				}{
					{"Events still in WF", summary.InWorkflow},
					{"Non Events", summary.NonEvents},
					{"Controllable", summary.Controllable},
					{"Uncontrollable", summary.Uncontrollable},
					{"Citations Issued", summary.Citations},
				}
				for _, counter := range counters {
					violations = append(violations, db.Violation{
						Date:         summary.Date,
						LocationCode: summary.LocationCode,
						Category:     violationCategory(ctx, counter.label),
						Details:      counter.label,
						Count:        counter.count,
					})
				}
			}
			return s.store.UpsertViolations(ctx, violations)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "violation import failed")
	}
	return err
}

// ProcessAmberTimeRejects imports the red light amber time rejects.
func (s *Service) ProcessAmberTimeRejects(ctx context.Context, start, end time.Time) error {
	ctx, span := tracer.Start(ctx, "ProcessAmberTimeRejects")
	defer span.End()

	if s.conduent == nil {
		slog.WarnContext(ctx, "citeweb credentials not configured, skipping amber time rejects")
		return nil
	}

	err := s.forEachMissingChunk(ctx, db.DatasetAmberTimeRejects, start, end,
		func(ctx context.Context, start, end time.Time) error {
			rejects, err := s.conduent.GetAmberTimeRejects(ctx, start, end, "")
			if err != nil {
				return err
			}

			rows := make([]db.AmberTimeReject, 0, len(rejects))
			for _, reject := range rejects {
				rows = append(rows, db.AmberTimeReject{
					EventNumber:     reject.EventNumber,
					LocationCode:    reject.LocationCode,
					DeploymentNo:    reject.DeploymentNumber,
					ViolationDate:   reject.ViolationDate,
					AmberTime:       reject.AmberTime,
					AmberRejectCode: reject.AmberRejectCode,
				})
			}
			return s.store.UpsertAmberTimeRejects(ctx, rows)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "amber time reject import failed")
	}
	return err
}

// ProcessApprovalByReviewDate imports per-citation review outcomes for
// one camera program.
func (s *Service) ProcessApprovalByReviewDate(ctx context.Context, start, end time.Time,
	camType conduent.CamType) error {
	ctx, span := tracer.Start(ctx, "ProcessApprovalByReviewDate")
	defer span.End()

	if s.conduent == nil {
		slog.WarnContext(ctx, "citeweb credentials not configured, skipping approval details")
		return nil
	}

	err := s.forEachMissingChunk(ctx, db.DatasetApprovalDetails, start, end,
		func(ctx context.Context, start, end time.Time) error {
			records, err := s.conduent.GetApprovalByReviewDateDetails(ctx, start, end, camType, "")
			if err != nil {
				return err
			}

			rows := make([]db.ApprovalDetail, 0, len(records))
			for _, record := range records {
				rows = append(rows, db.ApprovalDetail{
					CitationNo:     record.CitationNumber,
					Disapproved:    record.Disapproved,
					Approved:       record.Approved,
					Officer:        record.Officer,
					ViolationDate:  record.ViolationDate,
					ReviewStatus:   record.ReviewStatus,
					ReviewDatetime: record.ReviewTime,
				})
			}
			return s.store.UpsertApprovalDetails(ctx, rows)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "approval detail import failed")
	}
	return err
}

// ProcessByLocationSummary imports the CiteWeb per-location workflow
// summary. The vendor's free-text workflow label is normalized to the
// canonical category description before it lands in the details
// column, so the natural key stays stable across vendor relabels.
func (s *Service) ProcessByLocationSummary(ctx context.Context, start, end time.Time,
	camType conduent.CamType) error {
	ctx, span := tracer.Start(ctx, "ProcessByLocationSummary")
	defer span.End()

	if s.conduent == nil {
		slog.WarnContext(ctx, "citeweb credentials not configured, skipping by-location summary")
		return nil
	}

	err := s.forEachMissingChunk(ctx, db.DatasetByLocation, start, end,
		func(ctx context.Context, start, end time.Time) error {
			summaries, err := s.conduent.GetClientSummaryByLocation(ctx, start, end, camType, "")
			if err != nil {
				return err
			}

			rows := make([]db.ByLocationSummary, 0, len(summaries))
			for _, summary := range summaries {
				category := violationCategory(ctx, summary.Details)
				rows = append(rows, db.ByLocationSummary{
					Date:                   summary.Date,
					LocationCode:           summary.LocationCode,
					Section:                summary.Section,
					Details:                db.CategoryDescription(category),
					PercentageDesc:         summary.PercentageDescription,
					Issued:                 summary.Issued,
					InProcess:              summary.InProcess,
					NonViolations:          summary.NonViolations,
					ControllableRejects:    summary.ControllableRejects,
					UncontrollableRejects:  summary.UncontrollableRejects,
					PendingInitialApproval: summary.PendingInitialApproval,
					PendingRejectApproval:  summary.PendingRejectApproval,
					Description:            summary.Description,
					DetailCount:            summary.DetailCount,
					OrderBy:                summary.OrderBy,
				})
			}
			return s.store.UpsertLocationSummaries(ctx, rows)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "by-location summary import failed")
	}
	return err
}

// ProcessConduentRejectNumbers imports the camera deployment windows
// with their issued and rejected ticket counts.
func (s *Service) ProcessConduentRejectNumbers(ctx context.Context, start, end time.Time,
	camType conduent.CamType) error {
	ctx, span := tracer.Start(ctx, "ProcessConduentRejectNumbers")
	defer span.End()

	if s.conduent == nil {
		slog.WarnContext(ctx, "citeweb credentials not configured, skipping deployment data")
		return nil
	}

	err := s.forEachMissingChunk(ctx, db.DatasetTicketCameras, start, end,
		func(ctx context.Context, start, end time.Time) error {
			deployments, err := s.conduent.GetDeploymentData(ctx, start, end, camType)
			if err != nil {
				return err
			}

			rows := make([]db.TicketCamera, 0, len(deployments))
			for _, deployment := range deployments {
				rows = append(rows, db.TicketCamera{
					ID:        lenientInt(ctx, "deployment id", deployment.ID),
					StartTime: deployment.StartTime,
					EndTime:   deployment.EndTime,
					Location:  deployment.Location,
					Officer:   deployment.Officer,
					EquipType: deployment.EquipType,
					Issued:    lenientInt(ctx, "issued count", deployment.Issued),
					Rejected:  lenientInt(ctx, "rejected count", deployment.Rejected),
				})
			}
			return s.store.UpsertTicketCameras(ctx, rows)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deployment import failed")
	}
	return err
}

// ProcessFinancials imports the general ledger detail for one legacy
// account.
func (s *Service) ProcessFinancials(ctx context.Context, start, end time.Time,
	legacyAccountNo string) error {
	ctx, span := tracer.Start(ctx, "ProcessFinancials")
	defer span.End()

	if s.financial == nil {
		slog.WarnContext(ctx, "reporting server credentials not configured, skipping financials")
		return nil
	}

	err := s.forEachMissingChunk(ctx, db.DatasetFinancial, start, end,
		func(ctx context.Context, start, end time.Time) error {
			entries, err := s.financial.GetGeneralLedgerDetail(ctx, start, end, legacyAccountNo, "")
			if err != nil {
				return err
			}

			rows := make([]db.FinancialEntry, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, db.FinancialEntry{
					JournalEntryNo:       entry.JournalEntryNo,
					LedgerPostingDate:    entry.LedgerPostingDate,
					AccountNo:            entry.AccountNo,
					LegacyAccountNo:      entry.LegacyAccountNo,
					Amount:               entry.Amount,
					SourceJournal:        entry.SourceJournal,
					TrxReference:         entry.TrxReference,
					TrxDescription:       entry.TrxDescription,
					UserWhoPosted:        entry.UserWhoPosted,
					TrxNo:                entry.TrxNo,
					VendorOrCustomerID:   entry.VendorIDOrCustomerID,
					VendorOrCustomerName: entry.VendorOrCustomerName,
					DocumentNo:           entry.DocumentNo,
					TrxSource:            entry.TrxSource,
					AccountDescription:   entry.AccountDescription,
					AccountType:          entry.AccountType,
					AgencyOrCategory:     entry.AgencyOrCategory,
				})
			}
			return s.store.UpsertFinancials(ctx, rows)
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "financial import failed")
	}
	return err
}

// lenientInt parses a count field that is occasionally blank or
// garbled on the portal side. Bad values become zero with a warning
// rather than failing a whole batch.
func lenientInt(ctx context.Context, field, value string) int {
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.WarnContext(ctx, "non-numeric portal field", "field", field, "value", value)
		return 0
	}
	return n
}
