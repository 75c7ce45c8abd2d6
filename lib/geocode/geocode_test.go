package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/city-of-baltimore/atves/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func newStubServer(t *testing.T, score float64) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/arcgis/rest/services/World/GeocodeServer/findAddressCandidates", r.URL.Path)
		require.Contains(t, r.URL.Query().Get("singleLine"), "Baltimore, MD")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"address":"4000 PULASKI HWY","location":{"x":-76.5766,"y":39.3066},"score":%g}]}`, score)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGeocodeAcceptsHighScore(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "geocode")
	defer cleanup()

	server := newStubServer(t, 95)
	client := NewClient(ClientOptions{BaseURL: server.URL})

	res, err := client.Geocode(context.Background(), "4000 BLK PULASKI HWY WB")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.InDelta(t, 39.3066, res.Latitude, 0.0001)
	require.InDelta(t, -76.5766, res.Longitude, 0.0001)
	require.Equal(t, float64(95), res.Score)
}

func TestGeocodeRejectsLowScore(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "geocode")
	defer cleanup()

	server := newStubServer(t, 40)
	client := NewClient(ClientOptions{BaseURL: server.URL})

	res, err := client.Geocode(context.Background(), "4000 PULASKI HWY")
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestGeocodeBadJSONPropagates(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "geocode")
	defer cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance page</html>")
	}))
	defer server.Close()
	client := NewClient(ClientOptions{BaseURL: server.URL})

	_, err := client.Geocode(context.Background(), "4000 PULASKI HWY")
	require.Error(t, err)
}

func TestGeocodeEmptyAddress(t *testing.T) {
	client := NewClient(ClientOptions{BaseURL: "http://127.0.0.1:0"})
	res, err := client.Geocode(context.Background(), "  ")
	require.NoError(t, err)
	require.Nil(t, res)
}
