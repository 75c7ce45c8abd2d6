package axsis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/city-of-baltimore/atves/lib/retryutil"

	"go.opentelemetry.io/otel/codes"
)

// ReportParameter is one entry of the parameter list the report API
// returns and then expects back, values filled in.
type ReportParameter struct {
	ParmDataType    string          `json:"ParmDataType"`
	ParmDescription string          `json:"ParmDescription"`
	ParmId          int             `json:"ParmId"`
	ParmName        string          `json:"ParmName"`
	ParmOrder       int             `json:"ParmOrder"`
	ParmTitle       string          `json:"ParmTitle"`
	ParmValue       string          `json:"ParmValue"`
	ReportId        int             `json:"ReportId"`
	SystemId        int             `json:"SystemId"`
	ParmList        []PicklistEntry `json:"ParmList"`
}

type PicklistEntry struct {
	Value       string `json:"Value"`
	Description string `json:"Description"`
}

type ReportDefinition struct {
	DisabledYn        bool   `json:"DisabledYn"`
	EndDate           string `json:"EndDate"`
	ReportDescription string `json:"ReportDescription"`
	ReportFile        string `json:"ReportFile"`
	ReportId          int    `json:"ReportId"`
	ReportName        string `json:"ReportName"`
	ReportOrder       int    `json:"ReportOrder"`
	ReportVersion     int    `json:"ReportVersion"`
	StartDate         string `json:"StartDate"`
	SystemId          int    `json:"SystemId"`
	ClientId          int    `json:"ClientId"`
	ClientCode        string `json:"ClientCode"`
	User              string `json:"User"`
}

// ReportsDetail is the full report-request payload: parameter
// definitions fetched from the portal, mutated with the caller's
// filters, and posted back verbatim.
type ReportsDetail struct {
	Parameters []ReportParameter  `json:"Parameters"`
	Definition []ReportDefinition `json:"Definition"`
	Message    string             `json:"Message"`
}

// reportSpec pins down one vendor report: its portal name, the
// download identity the ReportFile endpoint wants, and which parameter
// slots the portal assigns to the caller's semantic filters. The slot
// numbers are a vendor contract, not positional guesswork.
type reportSpec struct {
	name        string
	filename    string
	description string

	startSlot    int
	endSlot      int
	locationSlot int // -1 when the report takes no location filter
}

var (
	trafficCountsReport = reportSpec{
		name: "SITE ACTIVITY BY TRAFFIC EVENTS",
		filename: "http://biportal/enterprisereportingservices/Reports/" +
			"AXSIS Report/Site_Activity_by_Traffic_Events_AXSIS.rdl",
		description:  "SITE ACTIVITY BY TRAFFIC EVENTS",
		startSlot:    1,
		endSlot:      2,
		locationSlot: -1,
	}
	locationSummaryReport = reportSpec{
		name:         "LOCATION PERFORMANCE SUMMARY BY LANE -- XML",
		filename:     "REPORT_LPSL.XML",
		description:  "LOCATION PERFORMANCE SUMMARY BY LANE -- XML",
		startSlot:    1,
		endSlot:      2,
		locationSlot: 3,
	}
	locationDetailReport = reportSpec{
		name:         "LOCATION PERFORMANCE DETAIL",
		startSlot:    -1,
		endSlot:      -1,
		locationSlot: -1,
	}
)

func (spec reportSpec) applyFilters(detail *ReportsDetail, start, end time.Time, location string) error {
	set := func(slot int, value string) error {
		if slot < 0 {
			return nil
		}
		if slot >= len(detail.Parameters) {
			return fmt.Errorf("%w: report %q has %d parameters, wanted slot %d",
				ErrBadMarkup, spec.name, len(detail.Parameters), slot)
		}
		detail.Parameters[slot].ParmValue = value
		return nil
	}

	if err := set(spec.startSlot, start.Format(dateLayout)); err != nil {
		return err
	}
	if err := set(spec.endSlot, end.Format(dateLayout)); err != nil {
		return err
	}
	return set(spec.locationSlot, location)
}

// getReportID resolves a report name to its id from the GetReports
// listing; 0 with nil error means the portal does not know the name.
func (c *Client) getReportID(ctx context.Context, name string) (int, error) {
	res, err := retryutil.DoValue(ctx, func() (string, error) {
		res, err := c.http.R().
			SetContext(ctx).
			SetHeader("Accept", "application/json, text/javascript, */*; q=0.01").
			SetQueryParams(map[string]string{
				"clientId":   c.clientID,
				"clientCode": c.clientCode,
				"userName":   c.username,
			}).
			Get(c.portal("/Axsis.Web/api/Report/GetReports"))
		if err != nil {
			return "", err
		}
		return res.String(), nil
	})
	if err != nil {
		return 0, err
	}

	var reports []struct {
		ReportName string          `json:"ReportName"`
		ReportId   json.RawMessage `json:"ReportId"`
	}
	if err := json.Unmarshal([]byte(res), &reports); err != nil {
		return 0, fmt.Errorf("%w: undecodable GetReports body: %w", ErrBadMarkup, err)
	}
	for _, report := range reports {
		if report.ReportName == name {
			id, err := strconv.Atoi(strings.Trim(string(report.ReportId), `"`))
			if err != nil {
				return 0, fmt.Errorf("%w: non-numeric ReportId %q", ErrBadMarkup, report.ReportId)
			}
			return id, nil
		}
	}
	return 0, nil
}

// GetReportsDetail fetches the parameter definitions for a report.
// A nil detail with nil error means the portal did not recognize the
// report name; callers treat that as "no data".
func (c *Client) GetReportsDetail(ctx context.Context, reportName string) (*ReportsDetail, error) {
	ctx, span := tracer.Start(ctx, "GetReportsDetail")
	defer span.End()
	slog.InfoContext(ctx, "getting report detail", "report", reportName)

	reportID, err := c.getReportID(ctx, reportName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report listing failed")
		return nil, err
	}

	body, err := retryutil.DoValue(ctx, func() ([]byte, error) {
		res, err := c.http.R().
			SetContext(ctx).
			SetHeader("Accept", "application/json, text/javascript, */*; q=0.01").
			SetQueryParams(map[string]string{
				"clientId":    c.clientID,
				"clientCode":  c.clientCode,
				"userName":    c.username,
				"ReportId":    strconv.Itoa(reportID),
				"vioTypeCode": "ALL",
				"excludeAll":  "true",
			}).
			Get(c.portal("/Axsis.Web/api/Report/GetReportsDetail"))
		if err != nil {
			return nil, err
		}
		return res.Body(), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report detail fetch failed")
		return nil, err
	}

	var detail ReportsDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("%w: undecodable GetReportsDetail body: %w", ErrBadMarkup, err)
	}
	if strings.Contains(detail.Message, "No HTTP resource was found that matches the request URI") ||
		strings.Contains(detail.Message, "An error has occurred") {
		// the portal's way of saying the report name was invalid
		slog.DebugContext(ctx, "portal rejected report name", "report", reportName, "message", detail.Message)
		return nil, nil
	}
	return &detail, nil
}

// downloadReport posts the filled-in parameter payload to the cache
// endpoint and fetches the produced file.
func (c *Client) downloadReport(ctx context.Context, detail *ReportsDetail, spec reportSpec) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "downloadReport")
	defer span.End()

	payload, err := MarshalLiteral(detail)
	if err != nil {
		return nil, retryutil.Permanent(err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json, text/javascript, */*; q=0.01").
		SetHeader("Content-Type", "application/json;charset=UTF-8").
		SetHeader("Origin", c.baseURL.String()).
		SetBody(payload).
		Post(c.portal("/Axsis.Web/api/Report/PostCacheReportFile"))
	if err != nil {
		return nil, err
	}

	// the body is the cache GUID wrapped in quotes
	guid := strings.Trim(res.String(), `"`)
	if guid == "" {
		return nil, fmt.Errorf("%w: empty report cache GUID", ErrBadMarkup)
	}

	res, err = c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":        c.username,
			"guid":        guid,
			"filename":    spec.filename,
			"description": spec.description,
		}).
		Get(c.portal("/Axsis.Web/Report/ReportFile"))
	if err != nil {
		return nil, err
	}
	return res.Body(), nil
}

// GetLocationInfo resolves a camera's street address from the location
// picklist of the performance detail report. An empty string means the
// portal does not list the code.
func (c *Client) GetLocationInfo(ctx context.Context, locationCode string) (string, error) {
	ctx, span := tracer.Start(ctx, "GetLocationInfo")
	defer span.End()

	detail, err := c.GetReportsDetail(ctx, locationDetailReport.name)
	if err != nil {
		return "", err
	}
	if detail == nil || detail.Parameters == nil {
		slog.WarnContext(ctx, "unable to get location info", "location_code", locationCode)
		return "", nil
	}

	for _, param := range detail.Parameters {
		if param.ParmDataType != "PICKLIST" {
			continue
		}
		for _, entry := range param.ParmList {
			if entry.Value != locationCode {
				continue
			}
			_, address, found := strings.Cut(entry.Description, " - ")
			if !found {
				slog.DebugContext(ctx, "picklist description missing separator",
					"location_code", locationCode, "description", entry.Description)
				return "", nil
			}
			return address, nil
		}
	}
	return "", nil
}
