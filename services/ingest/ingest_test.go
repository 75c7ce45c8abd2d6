package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/city-of-baltimore/atves/lib/geocode"
	"github.com/city-of-baltimore/atves/lib/scrapers/axsis"
	"github.com/city-of-baltimore/atves/lib/scrapers/cobreports"
	"github.com/city-of-baltimore/atves/lib/scrapers/conduent"
	"github.com/city-of-baltimore/atves/lib/telemetry"
	"github.com/city-of-baltimore/atves/lib/timezone"
	"github.com/city-of-baltimore/atves/services/ingest/db"
)

type stubAxsis struct {
	trafficCalls int
	summaryCalls int

	counts    []axsis.TrafficCount
	summaries []axsis.LocationSummary
	locations map[string]string
}

func (s *stubAxsis) GetTrafficCounts(_ context.Context, _, _ time.Time) ([]axsis.TrafficCount, error) {
	s.trafficCalls++
	return s.counts, nil
}

func (s *stubAxsis) GetLocationSummaryByLane(_ context.Context, _, _ time.Time) ([]axsis.LocationSummary, error) {
	s.summaryCalls++
	return s.summaries, nil
}

func (s *stubAxsis) GetLocationInfo(_ context.Context, locationCode string) (string, error) {
	return s.locations[locationCode], nil
}

type stubConduent struct {
	trafficCalls   int
	lastLocationID int

	counts      []conduent.TrafficCount
	rejects     []conduent.AmberTimeReject
	approvals   []conduent.ApprovalRecord
	summaries   []conduent.LocationSummary
	deployments []conduent.Deployment
	locations   map[int]*conduent.Location
	overheight  []conduent.OverheightCamera
}

func (s *stubConduent) GetTrafficCountsByLocation(_ context.Context, _, _ time.Time) ([]conduent.TrafficCount, error) {
	s.trafficCalls++
	return s.counts, nil
}

func (s *stubConduent) GetAmberTimeRejects(_ context.Context, _, _ time.Time, _ string) ([]conduent.AmberTimeReject, error) {
	return s.rejects, nil
}

func (s *stubConduent) GetApprovalByReviewDateDetails(_ context.Context, _, _ time.Time,
	_ conduent.CamType, _ string) ([]conduent.ApprovalRecord, error) {
	return s.approvals, nil
}

func (s *stubConduent) GetClientSummaryByLocation(_ context.Context, _, _ time.Time,
	_ conduent.CamType, _ string) ([]conduent.LocationSummary, error) {
	return s.summaries, nil
}

func (s *stubConduent) GetDeploymentData(_ context.Context, _, _ time.Time,
	_ conduent.CamType) ([]conduent.Deployment, error) {
	return s.deployments, nil
}

func (s *stubConduent) GetLocationByID(_ context.Context, locationID int,
	_ conduent.CamType) (*conduent.Location, error) {
	s.lastLocationID = locationID
	return s.locations[locationID], nil
}

func (s *stubConduent) GetOverheightCameras(_ context.Context) ([]conduent.OverheightCamera, error) {
	return s.overheight, nil
}

type stubFinancial struct {
	entries []cobreports.LedgerEntry
}

func (s *stubFinancial) GetGeneralLedgerDetail(_ context.Context, _, _ time.Time,
	_, _ string) ([]cobreports.LedgerEntry, error) {
	return s.entries, nil
}

type stubGeocoder struct {
	calls   int
	results map[string]*geocode.Result
}

func (s *stubGeocoder) Geocode(_ context.Context, address string) (*geocode.Result, error) {
	s.calls++
	return s.results[address], nil
}

func newTestService(t *testing.T, opts Options) *Service {
	cleanup := telemetry.SetupForTesting(t, "services/ingest")
	t.Cleanup(cleanup)

	database, err := db.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	opts.Store = db.NewStore(database)
	require.NoError(t, opts.Store.SeedViolationCategories(context.Background()))
	return New(opts)
}

func TestChunkRange(t *testing.T) {
	start := timezone.Date(2020, 1, 1)
	end := timezone.Date(2020, 7, 18) // 200 days

	chunks := chunkRange(start, end)
	require.Len(t, chunks, 3)
	require.Equal(t, timezone.Date(2020, 1, 1), chunks[0][0])
	require.Equal(t, timezone.Date(2020, 3, 30), chunks[0][1])
	require.Equal(t, timezone.Date(2020, 3, 31), chunks[1][0])
	require.Equal(t, timezone.Date(2020, 6, 28), chunks[1][1])
	require.Equal(t, timezone.Date(2020, 6, 29), chunks[2][0])
	require.Equal(t, timezone.Date(2020, 7, 18), chunks[2][1])
}

func TestChunkRangeSingleDay(t *testing.T) {
	day := timezone.Date(2020, 11, 1)
	chunks := chunkRange(day, day)
	require.Equal(t, [][2]time.Time{{day, day}}, chunks)
}

func TestProcessTrafficCountsMergesSources(t *testing.T) {
	ax := &stubAxsis{counts: []axsis.TrafficCount{
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 1), Count: 512},
	}}
	cw := &stubConduent{counts: []conduent.TrafficCount{
		{LocationCode: "2101", Date: timezone.Date(2020, 11, 1), Count: 77},
	}}
	svc := newTestService(t, Options{Axsis: ax, Conduent: cw})
	ctx := context.Background()

	require.NoError(t, svc.ProcessTrafficCounts(ctx, timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 2)))
	require.Equal(t, 1, ax.trafficCalls)
	require.Equal(t, 1, cw.trafficCalls)

	codes, err := svc.store.FactLocationCodes(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"BAL101", "2101"}, codes)
}

func TestProcessTrafficCountsSkipsCoveredRange(t *testing.T) {
	ax := &stubAxsis{counts: []axsis.TrafficCount{
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 1), Count: 512},
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 30), Count: 400},
	}}
	svc := newTestService(t, Options{Axsis: ax})
	ctx := context.Background()

	start, end := timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 30)
	require.NoError(t, svc.ProcessTrafficCounts(ctx, start, end))
	require.Equal(t, 1, ax.trafficCalls)

	// the whole range is covered now, so a re-run stays off the network
	require.NoError(t, svc.ProcessTrafficCounts(ctx, start, end))
	require.Equal(t, 1, ax.trafficCalls)

	svc.force = true
	require.NoError(t, svc.ProcessTrafficCounts(ctx, start, end))
	require.Equal(t, 2, ax.trafficCalls)
}

func TestProcessTrafficCountsPullsUncoveredEdges(t *testing.T) {
	ax := &stubAxsis{counts: []axsis.TrafficCount{
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 10), Count: 512},
	}}
	svc := newTestService(t, Options{Axsis: ax})
	ctx := context.Background()

	require.NoError(t, svc.ProcessTrafficCounts(ctx, timezone.Date(2020, 11, 5), timezone.Date(2020, 11, 15)))
	require.Equal(t, 1, ax.trafficCalls)

	// the covered window is Nov 10 only, so both edges need pulling
	require.NoError(t, svc.ProcessTrafficCounts(ctx, timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 20)))
	require.Equal(t, 3, ax.trafficCalls)
}

func TestViolationCategoryLabels(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		label    string
		expected int
	}{
		{"1- In Process", db.CategoryInProcess},
		{"Events still in WF", db.CategoryInProcess},
		{"Non Events", db.CategoryNonViolation},
		{"2- Non Violation", db.CategoryNonViolation},
		{"Controllable", db.CategoryControllableReject},
		{"4- Uncontrollable Reject", db.CategoryUncontrollableReject},
		{"Citations Issued", db.CategoryIssued},
		{"5- Issued", db.CategoryIssued},
		{"Some Future Label", db.CategoryUnknown},
		{"", db.CategoryUnknown},
	}
	for _, test := range tests {
		require.Equal(t, test.expected, violationCategory(ctx, test.label), "label: %q", test.label)
	}
}

func TestProcessViolationsFansOutCategories(t *testing.T) {
	ax := &stubAxsis{summaries: []axsis.LocationSummary{{
		Date:           timezone.Date(2020, 11, 1),
		LocationCode:   "BAL101",
		Description:    "GARRISON BLVD & WABASH AVE",
		NonEvents:      3,
		Controllable:   2,
		Uncontrollable: 1,
		InWorkflow:     12,
		Citations:      40,
	}}}
	svc := newTestService(t, Options{Axsis: ax})
	ctx := context.Background()

	require.NoError(t, svc.ProcessViolations(ctx, timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 1)))
	require.Equal(t, 1, ax.summaryCalls)

	_, _, ok, err := svc.store.DateRange(ctx, db.DatasetViolations)
	require.NoError(t, err)
	require.True(t, ok)

	// idempotent on re-run with force
	svc.force = true
	require.NoError(t, svc.ProcessViolations(ctx, timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 1)))
}

func TestProcessAmberTimeRejects(t *testing.T) {
	cw := &stubConduent{rejects: []conduent.AmberTimeReject{{
		LocationCode:     2101,
		DeploymentNumber: 40,
		ViolationDate:    time.Date(2020, 11, 1, 10, 15, 0, 0, timezone.Location),
		AmberTime:        decimal.RequireFromString("3.512"),
		AmberRejectCode:  "Amber Reject",
		EventNumber:      31337001,
	}}}
	svc := newTestService(t, Options{Conduent: cw})
	ctx := context.Background()

	require.NoError(t, svc.ProcessAmberTimeRejects(ctx, timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 2)))

	stored, err := svc.store.GetAmberTimeReject(ctx, 31337001)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "3.512", stored.AmberTime.String())
	require.Equal(t, 2101, stored.LocationCode)
}

func TestProcessByLocationSummaryNormalizesDetails(t *testing.T) {
	cw := &stubConduent{summaries: []conduent.LocationSummary{
		{
			Date:         timezone.Date(2020, 11, 1),
			LocationCode: 2101,
			Details:      "1- In Process",
			InProcess:    14,
			Description:  "In Process",
		},
		{
			Date:         timezone.Date(2020, 11, 1),
			LocationCode: 2101,
			Details:      "5- Issued",
			Issued:       40,
			Description:  "Issued",
		},
	}}
	svc := newTestService(t, Options{Conduent: cw})
	ctx := context.Background()

	require.NoError(t, svc.ProcessByLocationSummary(ctx,
		timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 1), conduent.RedLight))

	codes, err := svc.store.FactLocationCodes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"2101"}, codes)
}

func TestProcessApprovalByReviewDate(t *testing.T) {
	cw := &stubConduent{approvals: []conduent.ApprovalRecord{{
		Approved:       1,
		Officer:        "MCONNOR",
		CitationNumber: "BC1234567",
		ViolationDate:  time.Date(2020, 11, 1, 9, 30, 0, 0, timezone.Location),
		ReviewStatus:   "Approved",
		ReviewTime:     time.Date(2020, 11, 3, 14, 5, 0, 0, timezone.Location),
	}}}
	svc := newTestService(t, Options{Conduent: cw})
	ctx := context.Background()

	require.NoError(t, svc.ProcessApprovalByReviewDate(ctx,
		timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 5), conduent.RedLight))

	start, end, ok, err := svc.store.DateRange(ctx, db.DatasetApprovalDetails)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2020, 11, 3, 14, 5, 0, 0, timezone.Location), start)
	require.Equal(t, start, end)
}

func TestProcessFinancials(t *testing.T) {
	fin := &stubFinancial{entries: []cobreports.LedgerEntry{{
		JournalEntryNo:    "JE-1001",
		LedgerPostingDate: timezone.Date(2020, 11, 15),
		LegacyAccountNo:   "A001-123-456",
		Amount:            decimal.RequireFromString("-1250"),
		TrxDescription:    "CITATION REVENUE",
	}}}
	svc := newTestService(t, Options{Financial: fin})
	ctx := context.Background()

	require.NoError(t, svc.ProcessFinancials(ctx,
		timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 30), "A001-123-456"))

	_, _, ok, err := svc.store.DateRange(ctx, db.DatasetFinancial)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProcessConduentRejectNumbersParsesCounts(t *testing.T) {
	cw := &stubConduent{deployments: []conduent.Deployment{{
		ID:        "100",
		StartTime: time.Date(2020, 11, 1, 6, 0, 0, 0, timezone.Location),
		EndTime:   time.Date(2020, 11, 1, 18, 0, 0, 0, timezone.Location),
		Location:  "EB CATON AVE @ BENSON AVE",
		Officer:   "J SMITH",
		EquipType: "Van",
		Issued:    "12",
		Rejected:  "not a number",
	}}}
	svc := newTestService(t, Options{Conduent: cw})
	ctx := context.Background()

	require.NoError(t, svc.ProcessConduentRejectNumbers(ctx,
		timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 2), conduent.AllCams))

	locations, err := svc.store.TicketCameraLocations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"EB CATON AVE @ BENSON AVE"}, locations)
}

func TestBuildLocationDBEnumeratesRedLight(t *testing.T) {
	cw := &stubConduent{
		locations: map[int]*conduent.Location{
			1: {SiteCode: "2101", Location: "EASTBOUND PULASKI HWY", SpeedLimit: "30",
				Status: "Active", EffectiveDate: "5/23/2012", CamType: "RL"},
			3: {SiteCode: "2103", Location: "WESTBOUND NORTHERN PKWY", Status: "Inactive"},
		},
		overheight: []conduent.OverheightCamera{
			{LocationID: "OH101", Description: "EASTBOUND FRANKLIN ST"},
		},
	}
	geo := &stubGeocoder{results: map[string]*geocode.Result{
		"EASTBOUND PULASKI HWY": {Latitude: 39.3, Longitude: -76.55, Score: 98},
	}}
	svc := newTestService(t, Options{Conduent: cw, Geocoder: geo})
	ctx := context.Background()

	require.NoError(t, svc.BuildLocationDB(ctx))

	// ids 4..53 miss, then the probe gives up
	require.Equal(t, 53, cw.lastLocationID)

	camera, err := svc.store.GetCameraLocation(ctx, "2101")
	require.NoError(t, err)
	require.NotNil(t, camera)
	require.Equal(t, "RL", camera.CamType)
	require.NotNil(t, camera.Lat)
	require.InDelta(t, 39.3, *camera.Lat, 0.001)
	require.NotNil(t, camera.SpeedLimit)
	require.Equal(t, 30, *camera.SpeedLimit)
	require.NotNil(t, camera.Status)
	require.True(t, *camera.Status)
	require.NotNil(t, camera.EffectiveDate)
	require.Equal(t, timezone.Date(2012, 5, 23), *camera.EffectiveDate)

	inactive, err := svc.store.GetCameraLocation(ctx, "2103")
	require.NoError(t, err)
	require.NotNil(t, inactive)
	require.Nil(t, inactive.Lat)
	require.NotNil(t, inactive.Status)
	require.False(t, *inactive.Status)

	overheight, err := svc.store.GetCameraLocation(ctx, "OH101")
	require.NoError(t, err)
	require.NotNil(t, overheight)
	require.Equal(t, "OH", overheight.CamType)

	// a second call in the same session stays off the portal
	cw.lastLocationID = 0
	require.NoError(t, svc.BuildLocationDB(ctx))
	require.Equal(t, 0, cw.lastLocationID)
}

func TestBuildLocationDBSpeedCameras(t *testing.T) {
	ax := &stubAxsis{locations: map[string]string{
		"BAL101": "GARRISON BLVD & WABASH AVE",
	}}
	geo := &stubGeocoder{results: map[string]*geocode.Result{
		"GARRISON BLVD & WABASH AVE": {Latitude: 39.34, Longitude: -76.68, Score: 95},
	}}
	svc := newTestService(t, Options{Axsis: ax, Geocoder: geo})
	ctx := context.Background()

	require.NoError(t, svc.store.UpsertTrafficCounts(ctx, []db.TrafficCount{
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 3), Count: 100},
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 1), Count: 90},
	}))

	require.NoError(t, svc.BuildLocationDB(ctx))

	camera, err := svc.store.GetCameraLocation(ctx, "BAL101")
	require.NoError(t, err)
	require.NotNil(t, camera)
	require.Equal(t, "SC", camera.CamType)
	require.Equal(t, "GARRISON BLVD & WABASH AVE", camera.Description)
	require.NotNil(t, camera.EffectiveDate)
	require.Equal(t, timezone.Date(2020, 11, 1), *camera.EffectiveDate)
	require.NotNil(t, camera.Long)
	require.InDelta(t, -76.68, *camera.Long, 0.001)
}

func TestBuildLocationDBAudit(t *testing.T) {
	ctx := context.Background()

	seed := func(svc *Service) {
		require.NoError(t, svc.store.UpsertTrafficCounts(ctx, []db.TrafficCount{
			{LocationCode: "BAL999", Date: timezone.Date(2020, 11, 1), Count: 10},
		}))
	}

	lenient := newTestService(t, Options{})
	seed(lenient)
	require.NoError(t, lenient.BuildLocationDB(ctx))

	strict := newTestService(t, Options{StrictAudit: true})
	seed(strict)
	err := strict.BuildLocationDB(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "location audit failed")
}

func TestMatchesAnyDescription(t *testing.T) {
	descriptions := []string{"Caton Ave & Benson Ave", "Garrison Blvd & Wabash Ave"}

	require.True(t, matchesAnyDescription("CATON AVE & BENSON AVE", descriptions))
	require.True(t, matchesAnyDescription("Garrison Blvd and Wabash Ave", descriptions))
	require.False(t, matchesAnyDescription("RUSSELL ST @ HAMBURG ST", descriptions))
}
