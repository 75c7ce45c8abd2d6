package axsis

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel/codes"

	"github.com/city-of-baltimore/atves/lib/retryutil"
)

// TrafficCount is the event count recorded by one camera on one day.
type TrafficCount struct {
	LocationCode string
	Description  string
	Date         time.Time
	Count        int
}

// GetTrafficCounts pulls the per-day traffic event counts for every
// camera over the given date range, inclusive on both ends. The portal
// returns an Excel workbook with one column per day.
func (c *Client) GetTrafficCounts(ctx context.Context, start, end time.Time) ([]TrafficCount, error) {
	ctx, span := tracer.Start(ctx, "GetTrafficCounts")
	defer span.End()
	slog.InfoContext(ctx, "getting traffic counts",
		"start", start.Format(dateLayout), "end", end.Format(dateLayout))
	warnLongRange(ctx, start, end)

	detail, err := c.GetReportsDetail(ctx, trafficCountsReport.name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report detail failed")
		return nil, err
	}
	if detail == nil {
		return nil, nil
	}
	if err := trafficCountsReport.applyFilters(detail, start, end, ""); err != nil {
		return nil, err
	}

	// the portal intermittently serves truncated workbooks, so the
	// download and the parse retry together
	counts, err := retryutil.DoValue(ctx, func() ([]TrafficCount, error) {
		body, err := c.downloadReport(ctx, detail, trafficCountsReport)
		if err != nil {
			return nil, err
		}
		return parseTrafficCounts(body, start, end)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report download failed")
		return nil, err
	}
	return counts, nil
}

// parseTrafficCounts reads the workbook the traffic events report
// produces. The first two rows are a title and a header; data columns
// are four fixed fields followed by one column per day in the
// requested range.
func parseTrafficCounts(workbook []byte, start, end time.Time) ([]TrafficCount, error) {
	book, err := excelize.OpenReader(bytes.NewReader(workbook))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable traffic counts workbook: %w", ErrBadMarkup, err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: traffic counts workbook has no sheets", ErrBadMarkup)
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable traffic counts sheet: %w", ErrBadMarkup, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: traffic counts sheet has no data rows", ErrBadMarkup)
	}

	const fixedColumns = 4 // location code, description, first event, last event

	var dates []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		dates = append(dates, day)
	}

	var counts []TrafficCount
	for _, row := range rows[2:] {
		if len(row) < fixedColumns || row[0] == "" {
			continue
		}
		locationCode, description := row[0], row[1]
		for i, date := range dates {
			col := fixedColumns + i
			if col >= len(row) || row[col] == "" {
				continue
			}
			count, err := strconv.Atoi(row[col])
			if err != nil {
				return nil, fmt.Errorf("%w: non-numeric count %q at %s on %s",
					ErrBadMarkup, row[col], locationCode, date.Format(dateLayout))
			}
			counts = append(counts, TrafficCount{
				LocationCode: locationCode,
				Description:  description,
				Date:         date,
				Count:        count,
			})
		}
	}
	return counts, nil
}
