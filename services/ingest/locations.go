package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/codes"

	"github.com/city-of-baltimore/atves/lib/scrapers/conduent"
	"github.com/city-of-baltimore/atves/lib/timezone"
	"github.com/city-of-baltimore/atves/services/ingest/db"
)

// The red light portal has no camera listing, so ids get probed
// sequentially. Ids are sparse; this many misses in a row means the end
// of the range.
const maxConsecutiveMisses = 50

// Jaro-Winkler similarity below which a free-text deployment location
// is not the same place as a known camera description.
const locationMatchThreshold = 0.8

var effectiveDateLayouts = []string{
	"1/2/2006",
	"01/02/2006",
	"Jan 2, 2006",
	"2006-01-02",
}

// BuildLocationDB fills the camera location table from every source
// that knows about cameras: the red light portal's location pages, its
// over-height camera list, and the speed camera codes showing up in
// Axsis traffic counts. New addresses are geocoded. Runs at most once
// per session, then audits the fact tables against the result.
func (s *Service) BuildLocationDB(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "BuildLocationDB")
	defer span.End()

	if s.locationDBBuilt {
		slog.DebugContext(ctx, "location database already built this session")
		return nil
	}

	if s.conduent != nil {
		if err := s.buildRedLightLocations(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "red light location build failed")
			return err
		}
		if err := s.buildOverheightLocations(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "overheight location build failed")
			return err
		}
	} else {
		slog.WarnContext(ctx, "citeweb credentials not configured, skipping red light and overheight locations")
	}

	if s.axsis != nil {
		if err := s.buildSpeedCameraLocations(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "speed camera location build failed")
			return err
		}
	} else {
		slog.WarnContext(ctx, "axsis credentials not configured, skipping speed camera locations")
	}

	s.locationDBBuilt = true
	return s.auditLocations(ctx)
}

// buildRedLightLocations walks the location ids from 1 until a run of
// misses says the id space is exhausted. A hit resets the miss counter.
func (s *Service) buildRedLightLocations(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "buildRedLightLocations")
	defer span.End()

	misses := 0
	for id := 1; misses < maxConsecutiveMisses; id++ {
		location, err := s.conduent.GetLocationByID(ctx, id, conduent.RedLight)
		if err != nil {
			return err
		}
		if location == nil {
			misses++
			continue
		}
		misses = 0

		if location.SiteCode == "" {
			slog.WarnContext(ctx, "location page had no site code", "location_id", id)
			continue
		}

		existing, err := s.store.GetCameraLocation(ctx, location.SiteCode)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		camType := location.CamType
		if camType == "" {
			camType = "RL"
		}
		record := db.CameraLocation{
			LocationCode:  location.SiteCode,
			Description:   location.Location,
			CamType:       camType,
			EffectiveDate: parseEffectiveDate(ctx, location.EffectiveDate),
		}
		if limit, err := strconv.Atoi(location.SpeedLimit); err == nil {
			record.SpeedLimit = &limit
		}
		if location.Status != "" {
			active := location.Status == "Active"
			record.Status = &active
		}
		s.geocodeLocation(ctx, &record)

		if err := s.store.UpsertCameraLocation(ctx, record); err != nil {
			return err
		}
		slog.InfoContext(ctx, "added red light camera",
			"location_code", record.LocationCode, "description", record.Description)
	}
	return nil
}

func (s *Service) buildOverheightLocations(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "buildOverheightLocations")
	defer span.End()

	cameras, err := s.conduent.GetOverheightCameras(ctx)
	if err != nil {
		return err
	}

	for _, camera := range cameras {
		existing, err := s.store.GetCameraLocation(ctx, camera.LocationID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		record := db.CameraLocation{
			LocationCode: camera.LocationID,
			Description:  camera.Description,
			CamType:      "OH",
		}
		s.geocodeLocation(ctx, &record)

		if err := s.store.UpsertCameraLocation(ctx, record); err != nil {
			return err
		}
		slog.InfoContext(ctx, "added overheight camera",
			"location_code", record.LocationCode, "description", record.Description)
	}
	return nil
}

// buildSpeedCameraLocations backfills cameras that only show up as BAL
// codes in the Axsis traffic counts. The address comes from the Axsis
// location picklist and the effective date from the camera's first
// observed count.
func (s *Service) buildSpeedCameraLocations(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "buildSpeedCameraLocations")
	defer span.End()

	candidates, err := s.store.SpeedCameraCandidates(ctx)
	if err != nil {
		return err
	}

	for _, code := range candidates {
		description, err := s.axsis.GetLocationInfo(ctx, code)
		if err != nil {
			return err
		}
		if description == "" {
			slog.WarnContext(ctx, "speed camera code has no axsis location", "location_code", code)
			continue
		}

		record := db.CameraLocation{
			LocationCode: code,
			Description:  description,
			CamType:      "SC",
		}
		if firstSeen, ok, err := s.store.FirstTrafficCountDate(ctx, code); err != nil {
			return err
		} else if ok {
			record.EffectiveDate = &firstSeen
		}
		s.geocodeLocation(ctx, &record)

		if err := s.store.UpsertCameraLocation(ctx, record); err != nil {
			return err
		}
		slog.InfoContext(ctx, "added speed camera",
			"location_code", record.LocationCode, "description", record.Description)
	}
	return nil
}

// geocodeLocation fills in coordinates when the geocoder has a
// confident candidate. Geocoder failures leave the coordinates null;
// the camera record is still worth keeping.
func (s *Service) geocodeLocation(ctx context.Context, record *db.CameraLocation) {
	if s.geocoder == nil {
		return
	}
	result, err := s.geocoder.Geocode(ctx, record.Description)
	if err != nil {
		slog.WarnContext(ctx, "geocoder error",
			"location_code", record.LocationCode, "address", record.Description, "err", err)
		return
	}
	if result == nil {
		slog.InfoContext(ctx, "no confident geocode candidate",
			"location_code", record.LocationCode, "address", record.Description)
		return
	}
	record.Lat = &result.Latitude
	record.Long = &result.Longitude
}

func parseEffectiveDate(ctx context.Context, raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range effectiveDateLayouts {
		if date, err := time.ParseInLocation(layout, raw, timezone.Location); err == nil {
			return &date
		}
	}
	slog.DebugContext(ctx, "unparseable effective date", "value", raw)
	return nil
}

// auditLocations checks that every location code the fact tables
// reference has a camera record, and that every free-text deployment
// location resembles some known camera description. Misses are
// warnings unless strict auditing is on.
func (s *Service) auditLocations(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "auditLocations")
	defer span.End()

	known, err := s.store.ListCameraLocations(ctx)
	if err != nil {
		return err
	}
	knownCodes := make(map[string]bool, len(known))
	descriptions := make([]string, 0, len(known))
	for _, location := range known {
		knownCodes[location.LocationCode] = true
		descriptions = append(descriptions, location.Description)
	}

	factCodes, err := s.store.FactLocationCodes(ctx)
	if err != nil {
		return err
	}
	var missingCodes []string
	for _, code := range factCodes {
		if !knownCodes[code] {
			missingCodes = append(missingCodes, code)
		}
	}

	deploymentLocations, err := s.store.TicketCameraLocations(ctx)
	if err != nil {
		return err
	}
	var missingLocations []string
	for _, location := range deploymentLocations {
		if !matchesAnyDescription(location, descriptions) {
			missingLocations = append(missingLocations, location)
		}
	}

	if len(missingCodes) == 0 && len(missingLocations) == 0 {
		return nil
	}
	if len(missingCodes) > 0 {
		slog.WarnContext(ctx, "fact tables reference unknown location codes", "codes", missingCodes)
	}
	if len(missingLocations) > 0 {
		slog.WarnContext(ctx, "deployment locations match no known camera", "locations", missingLocations)
	}
	if s.strictAudit {
		err := fmt.Errorf("location audit failed: %d unknown codes, %d unmatched locations",
			len(missingCodes), len(missingLocations))
		span.RecordError(err)
		span.SetStatus(codes.Error, "location audit failed")
		return err
	}
	return nil
}

// matchesAnyDescription does a fuzzy comparison so that vendor
// renderings like "EB CATON AVE @ BENSON AVE" still match the stored
// "Caton Ave & Benson Ave".
func matchesAnyDescription(location string, descriptions []string) bool {
	location = strings.ToUpper(strings.TrimSpace(location))
	for _, description := range descriptions {
		description = strings.ToUpper(strings.TrimSpace(description))
		if matchr.JaroWinkler(location, description, true) >= locationMatchThreshold {
			return true
		}
	}
	return false
}
