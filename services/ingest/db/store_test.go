package db

import (
	"context"
	"testing"
	"time"

	"github.com/city-of-baltimore/atves/lib/timezone"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	database, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func TestUpsertTrafficCountsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	counts := []TrafficCount{
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 1), Count: 512},
		{LocationCode: "BAL102", Date: timezone.Date(2020, 11, 1), Count: 77},
	}
	require.NoError(t, store.UpsertTrafficCounts(ctx, counts))
	require.NoError(t, store.UpsertTrafficCounts(ctx, counts))

	var total, rows int
	err := store.db.QueryRow("select count(*), sum(count) from atves_traffic_counts").Scan(&rows, &total)
	require.NoError(t, err)
	require.Equal(t, 2, rows)
	require.Equal(t, 589, total)
}

func TestUpsertTrafficCountsUpdatesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	day := timezone.Date(2020, 11, 1)
	require.NoError(t, store.UpsertTrafficCounts(ctx, []TrafficCount{
		{LocationCode: "BAL101", Date: day, Count: 512},
	}))
	require.NoError(t, store.UpsertTrafficCounts(ctx, []TrafficCount{
		{LocationCode: "BAL101", Date: day, Count: 600},
	}))

	var count int
	err := store.db.QueryRow(
		"select count from atves_traffic_counts where location_code = 'BAL101'").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 600, count)
}

func TestAmberTimeDecimalRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	reject := AmberTimeReject{
		EventNumber:     900001,
		LocationCode:    2101,
		DeploymentNo:    77,
		ViolationDate:   time.Date(2020, 11, 1, 10, 15, 0, 0, timezone.Location),
		AmberTime:       decimal.RequireFromString("3.512"),
		AmberRejectCode: "AT01",
	}
	require.NoError(t, store.UpsertAmberTimeRejects(ctx, []AmberTimeReject{reject}))

	got, err := store.GetAmberTimeReject(ctx, 900001)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.AmberTime.Equal(reject.AmberTime))
	require.Equal(t, 10, got.ViolationDate.Hour())
	require.Equal(t, 2101, got.LocationCode)

	missing, err := store.GetAmberTimeReject(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestUpsertCameraLocationKeepsGeocode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lat, long := 39.2904, -76.6122
	require.NoError(t, store.UpsertCameraLocation(ctx, CameraLocation{
		LocationCode: "BAL101",
		Description:  "4000 PULASKI HWY",
		Lat:          &lat,
		Long:         &long,
		CamType:      "SC",
	}))

	// a later observation without coordinates must not wipe them
	require.NoError(t, store.UpsertCameraLocation(ctx, CameraLocation{
		LocationCode: "BAL101",
		Description:  "4000 PULASKI HWY EB",
		CamType:      "SC",
	}))

	loc, err := store.GetCameraLocation(ctx, "BAL101")
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, "4000 PULASKI HWY EB", loc.Description)
	require.NotNil(t, loc.Lat)
	require.InDelta(t, 39.2904, *loc.Lat, 0.0001)

	missing, err := store.GetCameraLocation(ctx, "BAL999")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDateRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, ok, err := store.DateRange(ctx, DatasetTrafficCounts)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.UpsertTrafficCounts(ctx, []TrafficCount{
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 1), Count: 1},
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 15), Count: 2},
	}))

	start, end, ok, err := store.DateRange(ctx, DatasetTrafficCounts)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, timezone.Date(2020, 11, 1), start)
	require.Equal(t, timezone.Date(2020, 11, 15), end)
}

func TestSeedViolationCategories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedViolationCategories(ctx))
	require.NoError(t, store.SeedViolationCategories(ctx))

	var count int
	err := store.db.QueryRow("select count(*) from atves_violation_categories").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 6, count)

	var description string
	err = store.db.QueryRow(
		"select description from atves_violation_categories where violation_cat = ?",
		CategoryIssued).Scan(&description)
	require.NoError(t, err)
	require.Equal(t, "Issued", description)
}

func TestFactLocationCodes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertTrafficCounts(ctx, []TrafficCount{
		{LocationCode: "BAL101", Date: timezone.Date(2020, 11, 1), Count: 1},
	}))
	require.NoError(t, store.UpsertAmberTimeRejects(ctx, []AmberTimeReject{
		{EventNumber: 1, LocationCode: 2101, DeploymentNo: 1,
			ViolationDate: timezone.Date(2020, 11, 1), AmberTime: decimal.New(3, 0)},
	}))

	codes, err := store.FactLocationCodes(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"BAL101", "2101"}, codes)
}
