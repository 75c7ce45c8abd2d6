// Package geocode resolves street addresses to coordinates through the
// ArcGIS world geocoding service.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/city-of-baltimore/atves/lib/addrnorm"
	"github.com/city-of-baltimore/atves/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/geocode")

const DefaultBaseURL = "https://geocode.arcgis.com"

// DefaultMinScore is the candidate match score below which a result is
// discarded. Historic imports used 80; current runs use 90.
const DefaultMinScore = 90

type Client struct {
	http     *resty.Client
	minScore float64
}

type ClientOptions struct {
	// BaseURL overrides the ArcGIS endpoint, for tests.
	BaseURL string
	// MinScore below which candidates are rejected; DefaultMinScore
	// when zero.
	MinScore float64
}

func NewClient(opts ClientOptions) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = DefaultMinScore
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	telemetry.InstrumentResty(client, "geocode/http")

	return &Client{http: client, minScore: minScore}
}

type Result struct {
	Latitude  float64
	Longitude float64
	Score     float64
}

type candidatesResponse struct {
	Candidates []struct {
		Address  string `json:"address"`
		Location struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"location"`
		Score float64 `json:"score"`
	} `json:"candidates"`
}

// Geocode looks up a street address. The address is normalized before
// the request. A nil result with nil error means no candidate scored at
// or above the minimum; callers store null coordinates in that case.
func (c *Client) Geocode(ctx context.Context, address string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Geocode")
	defer span.End()

	address = addrnorm.Normalize(address)
	if address == "" {
		return nil, nil
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"singleLine": fmt.Sprintf("%s, Baltimore, MD", address),
			"f":          "json",
			"outFields":  "Match_addr,Addr_type",
		}).
		Get("/arcgis/rest/services/World/GeocodeServer/findAddressCandidates")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "geocode request failed")
		return nil, err
	}

	var body candidatesResponse
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		// a silently-null coordinate downstream would be wrong, so this
		// propagates instead of degrading to "no data"
		slog.ErrorContext(ctx, "geocoder returned undecodable body",
			"address", address, "status", res.StatusCode(), "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable geocoder response")
		return nil, fmt.Errorf("decoding geocoder response for %q: %w", address, err)
	}

	if len(body.Candidates) == 0 {
		slog.InfoContext(ctx, "no geocode candidates", "address", address)
		return nil, nil
	}

	best := body.Candidates[0]
	if best.Score < c.minScore {
		slog.InfoContext(ctx, "geocode candidate below minimum score",
			"address", address, "score", best.Score, "min_score", c.minScore)
		return nil, nil
	}

	return &Result{
		Latitude:  best.Location.Y,
		Longitude: best.Location.X,
		Score:     best.Score,
	}, nil
}
