// Package ingest pulls enforcement data off the vendor portals and
// loads it into the warehouse. Each operation covers one fact table;
// all of them skip date ranges the table already covers unless forced,
// and chunk long ranges so a single portal request stays small.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/city-of-baltimore/atves/lib/geocode"
	"github.com/city-of-baltimore/atves/lib/scrapers/axsis"
	"github.com/city-of-baltimore/atves/lib/scrapers/cobreports"
	"github.com/city-of-baltimore/atves/lib/scrapers/conduent"
	"github.com/city-of-baltimore/atves/services/ingest/db"
)

var tracer = otel.Tracer("services/ingest")

// Portal requests larger than this get split; the vendors time out or
// truncate on big windows.
const maxChunkDays = 90

// AxsisSource is the slice of the Axsis client the service needs.
type AxsisSource interface {
	GetTrafficCounts(ctx context.Context, start, end time.Time) ([]axsis.TrafficCount, error)
	GetLocationSummaryByLane(ctx context.Context, start, end time.Time) ([]axsis.LocationSummary, error)
	GetLocationInfo(ctx context.Context, locationCode string) (string, error)
}

// ConduentSource is the slice of the CiteWeb client the service needs.
type ConduentSource interface {
	GetTrafficCountsByLocation(ctx context.Context, start, end time.Time) ([]conduent.TrafficCount, error)
	GetAmberTimeRejects(ctx context.Context, start, end time.Time, location string) ([]conduent.AmberTimeReject, error)
	GetApprovalByReviewDateDetails(ctx context.Context, start, end time.Time,
		camType conduent.CamType, location string) ([]conduent.ApprovalRecord, error)
	GetClientSummaryByLocation(ctx context.Context, start, end time.Time,
		camType conduent.CamType, location string) ([]conduent.LocationSummary, error)
	GetDeploymentData(ctx context.Context, start, end time.Time, camType conduent.CamType) ([]conduent.Deployment, error)
	GetLocationByID(ctx context.Context, locationID int, camType conduent.CamType) (*conduent.Location, error)
	GetOverheightCameras(ctx context.Context) ([]conduent.OverheightCamera, error)
}

// FinancialSource is the slice of the CoB reports client the service
// needs.
type FinancialSource interface {
	GetGeneralLedgerDetail(ctx context.Context, start, end time.Time,
		legacyAccountNo, agency string) ([]cobreports.LedgerEntry, error)
}

// Geocoder resolves a street address to coordinates; nil result means
// no confident match.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*geocode.Result, error)
}

// Options wires a Service. Any of the portal sources may be nil; the
// operations that need a missing one log a warning and no-op, so a
// deployment with partial credentials still imports what it can.
type Options struct {
	Store     db.Store
	Axsis     AxsisSource
	Conduent  ConduentSource
	Financial FinancialSource
	Geocoder  Geocoder

	// Force disables the date-coverage skip and re-pulls everything in
	// the requested range.
	Force bool
	// StrictAudit turns unreconciled location codes from a warning
	// into an error.
	StrictAudit bool
}

type Service struct {
	store     db.Store
	axsis     AxsisSource
	conduent  ConduentSource
	financial FinancialSource
	geocoder  Geocoder

	force       bool
	strictAudit bool

	// set once BuildLocationDB has run this session, so repeated
	// imports don't re-walk the location pages
	locationDBBuilt bool
}

func New(opts Options) *Service {
	return &Service{
		store:       opts.Store,
		axsis:       opts.Axsis,
		conduent:    opts.Conduent,
		financial:   opts.Financial,
		geocoder:    opts.Geocoder,
		force:       opts.Force,
		strictAudit: opts.StrictAudit,
	}
}

// missingRanges subtracts the dates the dataset already covers from
// [start, end]. The coverage check only looks at the observed min and
// max, so at most two ranges come back: before and after the covered
// window.
func (s *Service) missingRanges(ctx context.Context, dataset db.Dataset,
	start, end time.Time) ([][2]time.Time, error) {
	if s.force {
		return [][2]time.Time{{start, end}}, nil
	}

	haveStart, haveEnd, ok, err := s.store.DateRange(ctx, dataset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][2]time.Time{{start, end}}, nil
	}

	var missing [][2]time.Time
	if start.Before(haveStart) {
		rangeEnd := end
		if !rangeEnd.Before(haveStart) {
			rangeEnd = haveStart.AddDate(0, 0, -1)
		}
		missing = append(missing, [2]time.Time{start, rangeEnd})
	}
	if end.After(haveEnd) {
		rangeStart := start
		if !rangeStart.After(haveEnd) {
			rangeStart = haveEnd.AddDate(0, 0, 1)
		}
		missing = append(missing, [2]time.Time{rangeStart, end})
	}
	if missing == nil {
		slog.InfoContext(ctx, "date range already imported, skipping",
			"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))
	}
	return missing, nil
}

// chunkRange splits [start, end] into inclusive sub-ranges no longer
// than maxChunkDays.
func chunkRange(start, end time.Time) [][2]time.Time {
	var chunks [][2]time.Time
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, 0, maxChunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, [2]time.Time{cur, chunkEnd})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return chunks
}

// forEachMissingChunk runs fn over every uncovered sub-range of
// [start, end], split into chunks of at most maxChunkDays.
func (s *Service) forEachMissingChunk(ctx context.Context, dataset db.Dataset,
	start, end time.Time, fn func(ctx context.Context, start, end time.Time) error) error {
	missing, err := s.missingRanges(ctx, dataset, start, end)
	if err != nil {
		return err
	}
	for _, r := range missing {
		for _, chunk := range chunkRange(r[0], r[1]) {
			if err := fn(ctx, chunk[0], chunk[1]); err != nil {
				return err
			}
		}
	}
	return nil
}
