package axsis

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/city-of-baltimore/atves/lib/retryutil"
)

// LocationSummary is the per-location daily rollup of the lane-level
// performance report. Lane rows are summed into one record per
// location per day.
type LocationSummary struct {
	Date             time.Time
	LocationCode     string
	Description      string
	VehicleCount     int
	EventCount       int
	TotalRejects     int
	NonEvents        int
	Controllable     int
	Uncontrollable   int
	PDNonEvents      int
	PDControllable   int
	PDUncontrollable int
	InWorkflow       int
	TotalIssued      int
	Citations        int
	NOVs             int
	Warnings         int
}

// GetLocationSummaryByLane pulls the lane performance report for every
// day in the range, one request per day so each record carries its
// date. Lane rows are aggregated per location.
func (c *Client) GetLocationSummaryByLane(ctx context.Context, start, end time.Time) ([]LocationSummary, error) {
	ctx, span := tracer.Start(ctx, "GetLocationSummaryByLane")
	defer span.End()
	slog.InfoContext(ctx, "getting location summary by lane",
		"start", start.Format(dateLayout), "end", end.Format(dateLayout))
	warnLongRange(ctx, start, end)

	var summaries []LocationSummary
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		daily, err := c.getDailyLocationSummary(ctx, day)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "daily summary failed")
			return nil, err
		}
		summaries = append(summaries, daily...)
	}
	return summaries, nil
}

func (c *Client) getDailyLocationSummary(ctx context.Context, day time.Time) ([]LocationSummary, error) {
	detail, err := c.GetReportsDetail(ctx, locationSummaryReport.name)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		slog.WarnContext(ctx, "unable to get location summary by lane", "date", day.Format(dateLayout))
		return nil, nil
	}
	if err := locationSummaryReport.applyFilters(detail, day, day, "ALL"); err != nil {
		return nil, err
	}

	// download and parse retry together, as for the traffic counts
	return retryutil.DoValue(ctx, func() ([]LocationSummary, error) {
		body, err := c.downloadReport(ctx, detail, locationSummaryReport)
		if err != nil {
			return nil, err
		}
		return parseLocationSummary(body, day)
	})
}

// parseLocationSummary reads the tab separated report body. The first
// two rows are headers, then each row is one lane at one location with
// seventeen count columns and a trailing last-violation date. Counts
// carry thousands separators, which are stripped before parsing.
func parseLocationSummary(report []byte, day time.Time) ([]LocationSummary, error) {
	// commas only ever appear as thousands separators
	report = bytes.ReplaceAll(report, []byte(","), nil)

	const columns = 18

	byLocation := make(map[string]*LocationSummary)
	scanner := bufio.NewScanner(bytes.NewReader(report))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	row := 0
	for scanner.Scan() {
		row++
		if row <= 2 {
			continue
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < columns-1 {
			return nil, fmt.Errorf("%w: summary row %d has %d columns", ErrBadMarkup, row, len(fields))
		}

		counts := make([]int, 14)
		for i := range counts {
			raw := strings.TrimSpace(fields[3+i])
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: non-numeric count %q in summary row %d", ErrBadMarkup, raw, row)
			}
			counts[i] = n
		}

		code := fields[0]
		summary := byLocation[code]
		if summary == nil {
			summary = &LocationSummary{
				Date:         day,
				LocationCode: code,
				Description:  fields[1],
			}
			byLocation[code] = summary
		}
		summary.VehicleCount += counts[0]
		summary.EventCount += counts[1]
		summary.TotalRejects += counts[2]
		summary.NonEvents += counts[3]
		summary.Controllable += counts[4]
		summary.Uncontrollable += counts[5]
		summary.PDNonEvents += counts[6]
		summary.PDControllable += counts[7]
		summary.PDUncontrollable += counts[8]
		summary.InWorkflow += counts[9]
		summary.TotalIssued += counts[10]
		summary.Citations += counts[11]
		summary.NOVs += counts[12]
		summary.Warnings += counts[13]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: unreadable summary report: %w", ErrBadMarkup, err)
	}

	summaries := make([]LocationSummary, 0, len(byLocation))
	for _, summary := range byLocation {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LocationCode < summaries[j].LocationCode
	})
	return summaries, nil
}
