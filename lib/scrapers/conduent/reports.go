package conduent

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/city-of-baltimore/atves/lib/retryutil"
	"github.com/city-of-baltimore/atves/lib/timezone"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
)

// AllLocations is the combo box value that selects every camera.
const AllLocations = "999,All Locations"

// reportSpec identifies one CiteWeb report: the vendor's list-box
// identifier string posted verbatim to univReports.asp, and the hidden
// parameter controls the report page renders that must be scraped and
// echoed back.
type reportSpec struct {
	list         string
	scrapeParams []string
}

// the standard parameter block for reports taking two dates and a
// location combo box
var datesAndLocationParams = []string{
	"hTextBoxTempo_Id0", "hTextBoxTempo_Id1", "hComboBoxTempo_Id0",
	"hComboBoxTempo_String0", "hTextBoxCount", "hComboBoxCount",
}

var (
	amberTimeRejectsReport = reportSpec{
		list:         "5974,302,Amber Time Rejects Report,1,false,true",
		scrapeParams: datesAndLocationParams,
	}
	approvalByReviewDateRL = reportSpec{
		list:         "5575,302,Approval By Review Date - Details,1,false,true",
		scrapeParams: datesAndLocationParams,
	}
	approvalByReviewDateOH = reportSpec{
		list:         "5575,307,Approval By Review Date - Details,1,false,true",
		scrapeParams: datesAndLocationParams,
	}
	clientSummaryRL = reportSpec{
		list:         "5608,302,Client Summary By Location,1,false,true",
		scrapeParams: datesAndLocationParams,
	}
	clientSummaryOH = reportSpec{
		list:         "5608,307,Client Summary By Location,1,false,true",
		scrapeParams: datesAndLocationParams,
	}
	trafficCountsReport = reportSpec{
		list:         "6021,302,Traffic count by Location,1,false,true",
		scrapeParams: datesAndLocationParams,
	}
	overheightLocationsReport = reportSpec{
		list: "5575,307,Approval By Review Date - Details,1,false,true",
	}
)

// controls every report page carries; missing ones mean the portal
// changed underneath us
var reportControls = []string{
	"hReportID", "hSQLDB_ID", "hPrePrint_Process_ID",
	"hGraphStyle", "hIsParams", "hUpdFlag", "ok",
}

var mediaCSVPattern = regexp.MustCompile(`/media/.*\.csv`)

// table is a CSV report keyed by its header row.
type table struct {
	columns map[string]int
	rows    [][]string
}

func newTable(records [][]string) (*table, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: report csv has no header", ErrBadMarkup)
	}
	columns := map[string]int{}
	for i, name := range records[0] {
		columns[strings.TrimSpace(name)] = i
	}
	return &table{columns: columns, rows: records[1:]}, nil
}

func (t *table) get(row []string, column string) (string, error) {
	idx, ok := t.columns[column]
	if !ok || idx >= len(row) {
		return "", fmt.Errorf("%w: report csv missing column %q", ErrBadMarkup, column)
	}
	return strings.TrimSpace(row[idx]), nil
}

func (t *table) getInt(row []string, column string) (int, error) {
	raw, err := t.get(row, column)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric %q in column %q", ErrBadMarkup, raw, column)
	}
	return n, nil
}

// leadingInt pulls the number off the front of values like
// "2101 W Patapsco Ave"; 0 when there is none.
func leadingInt(value string) int {
	end := 0
	for end < len(value) && value[end] >= '0' && value[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, _ := strconv.Atoi(value[:end])
	return n
}

// getReport runs the full univReports flow and returns the parsed CSV,
// or nil when the portal produced no file, which is how it reports an
// empty result set.
func (c *Client) getReport(ctx context.Context, spec reportSpec, camType CamType,
	inputParams map[string]string) (*table, error) {
	ctx, span := tracer.Start(ctx, "getReport")
	defer span.End()

	db, err := camType.database()
	if err != nil {
		return nil, retryutil.Permanent(err)
	}

	return retryutil.DoValue(ctx, func() (*table, error) {
		if err := c.setupReportRequest(ctx, camType); err != nil {
			return nil, err
		}

		reportURL := fmt.Sprintf("%s?Server=%s&Database=%s",
			c.portal("/citeweb3/UnivReports.asp"), c.deploymentServer, db)
		_, err := c.http.R().
			SetContext(ctx).
			SetHeader("Referer", c.portal("/citeweb3/citmenu.asp?DB="+db+"&Site=Maryland")).
			Get(reportURL)
		if err != nil {
			return nil, err
		}

		res, err := c.http.R().
			SetContext(ctx).
			SetHeader("Referer", reportURL).
			SetFormData(map[string]string{"lstReportList": spec.list}).
			Post(c.portal("/citeweb3/univReports.asp"))
		if err != nil {
			return nil, err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
		if err != nil {
			return nil, retryutil.Permanent(fmt.Errorf("%w: unparseable report page: %w", ErrBadMarkup, err))
		}

		form := map[string]string{
			"radioFormat": "8", // CSV
		}
		for _, name := range reportControls {
			value, ok := doc.Find(fmt.Sprintf(`input[name=%q]`, name)).Attr("value")
			if !ok {
				return nil, retryutil.Permanent(fmt.Errorf("%w: missing report control %s", ErrBadMarkup, name))
			}
			form[name] = value
		}
		for _, name := range spec.scrapeParams {
			// value may legitimately be absent; the portal wants the
			// field posted back regardless
			value, _ := doc.Find(fmt.Sprintf(`input[name=%q]`, name)).Attr("value")
			form[name] = value
		}
		for name, value := range inputParams {
			form[name] = value
		}

		res, err = c.http.R().
			SetContext(ctx).
			SetHeader("Referer", c.portal("/citeweb3/univReports.asp")).
			SetFormData(form).
			Post(c.portal("/citeweb3/univReports.asp"))
		if err != nil {
			return nil, err
		}
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(res.String()))
		if err != nil {
			return nil, retryutil.Permanent(fmt.Errorf("%w: unparseable report result: %w", ErrBadMarkup, err))
		}

		onclick, ok := doc.Find(`a[name="aGetReport"]`).Attr("onclick")
		if !ok {
			slog.InfoContext(ctx, "report produced no file", "report", spec.list)
			return nil, nil
		}
		path := mediaCSVPattern.FindString(onclick)
		if path == "" {
			slog.WarnContext(ctx, "report link without a csv path", "report", spec.list, "onclick", onclick)
			return nil, nil
		}

		res, err = c.http.R().
			SetContext(ctx).
			Get(c.portal(path))
		if err != nil {
			return nil, err
		}
		reader := csv.NewReader(bytes.NewReader(res.Body()))
		reader.FieldsPerRecord = -1
		records, err := reader.ReadAll()
		if err != nil {
			return nil, retryutil.Permanent(fmt.Errorf("%w: unreadable report csv: %w", ErrBadMarkup, err))
		}
		return newTable(records)
	})
}

// AmberTimeReject is one rejected red light event with the measured
// amber phase duration.
type AmberTimeReject struct {
	LocationCode     int
	DeploymentNumber int
	ViolationDate    time.Time
	AmberTime        decimal.Decimal
	AmberRejectCode  string
	EventNumber      int
}

// GetAmberTimeRejects pulls the amber time rejects report, red light
// cameras only.
func (c *Client) GetAmberTimeRejects(ctx context.Context, start, end time.Time,
	location string) ([]AmberTimeReject, error) {
	ctx, span := tracer.Start(ctx, "GetAmberTimeRejects")
	defer span.End()
	slog.InfoContext(ctx, "getting amber time rejects",
		"start", start.Format(dateLayout), "end", end.Format(dateLayout))

	if location == "" {
		location = AllLocations
	}
	tbl, err := c.getReport(ctx, amberTimeRejectsReport, RedLight, map[string]string{
		"TextBox0":  start.Format(dateLayout),
		"TextBox1":  end.Format(dateLayout),
		"ComboBox0": location,
	})
	if err != nil || tbl == nil {
		return nil, err
	}

	var rejects []AmberTimeReject
	for _, row := range tbl.rows {
		locationCode, err := tbl.getInt(row, "iLocationCode")
		if err != nil {
			return nil, err
		}
		deployment, err := tbl.getInt(row, "Deployment Number")
		if err != nil {
			return nil, err
		}
		rawDate, err := tbl.get(row, "VioDate")
		if err != nil {
			return nil, err
		}
		vioDate, err := parseReportTime(rawDate, timezone.Location)
		if err != nil {
			return nil, err
		}
		rawAmber, err := tbl.get(row, "Amber Time")
		if err != nil {
			return nil, err
		}
		amber, err := decimal.NewFromString(rawAmber)
		if err != nil {
			return nil, fmt.Errorf("%w: bad amber time %q: %w", ErrBadMarkup, rawAmber, err)
		}
		rejectCode, err := tbl.get(row, "Amber Reject Code")
		if err != nil {
			return nil, err
		}
		eventNumber, err := tbl.getInt(row, "Event Number")
		if err != nil {
			return nil, err
		}
		rejects = append(rejects, AmberTimeReject{
			LocationCode:     locationCode,
			DeploymentNumber: deployment,
			ViolationDate:    vioDate,
			AmberTime:        amber,
			AmberRejectCode:  rejectCode,
			EventNumber:      eventNumber,
		})
	}
	return rejects, nil
}

// ApprovalRecord is one citation's pass through review.
type ApprovalRecord struct {
	Disapproved    int
	Approved       int
	Officer        string
	CitationNumber string
	ViolationDate  time.Time
	ReviewStatus   string
	ReviewTime     time.Time
}

// GetApprovalByReviewDateDetails pulls the per-citation review report
// for one camera program.
func (c *Client) GetApprovalByReviewDateDetails(ctx context.Context, start, end time.Time,
	camType CamType, location string) ([]ApprovalRecord, error) {
	ctx, span := tracer.Start(ctx, "GetApprovalByReviewDateDetails")
	defer span.End()
	slog.InfoContext(ctx, "getting approval by review date",
		"start", start.Format(dateLayout), "end", end.Format(dateLayout), "cam_type", camType)

	var spec reportSpec
	switch camType {
	case RedLight:
		spec = approvalByReviewDateRL
	case Overheight:
		spec = approvalByReviewDateOH
	default:
		return nil, fmt.Errorf("cam type %s is not valid for approval report", camType)
	}

	if location == "" {
		location = AllLocations
	}
	tbl, err := c.getReport(ctx, spec, camType, map[string]string{
		"TextBox0":  start.Format(dateLayout),
		"TextBox1":  end.Format(dateLayout),
		"ComboBox0": location,
	})
	if err != nil || tbl == nil {
		return nil, err
	}

	var records []ApprovalRecord
	for _, row := range tbl.rows {
		disapproved, err := tbl.getInt(row, "Disapproved")
		if err != nil {
			return nil, err
		}
		approved, err := tbl.getInt(row, "Approved")
		if err != nil {
			return nil, err
		}
		officer, err := tbl.get(row, "Officer")
		if err != nil {
			return nil, err
		}
		citation, err := tbl.get(row, "CitNum")
		if err != nil {
			return nil, err
		}
		rawVio, err := tbl.get(row, "Vio Date")
		if err != nil {
			return nil, err
		}
		vioDate, err := parseReportTime(rawVio, timezone.Location)
		if err != nil {
			return nil, err
		}
		status, err := tbl.get(row, "Review Status")
		if err != nil {
			return nil, err
		}
		// the review timestamp is split across a date column and a
		// time-of-day column
		rawReviewDate, err := tbl.get(row, "Review Date")
		if err != nil {
			return nil, err
		}
		rawReviewTime, err := tbl.get(row, "st")
		if err != nil {
			return nil, err
		}
		reviewTime, err := parseReportTime(rawReviewDate+" "+rawReviewTime, timezone.Location)
		if err != nil {
			return nil, err
		}
		records = append(records, ApprovalRecord{
			Disapproved:    disapproved,
			Approved:       approved,
			Officer:        officer,
			CitationNumber: citation,
			ViolationDate:  vioDate,
			ReviewStatus:   status,
			ReviewTime:     reviewTime,
		})
	}
	return records, nil
}

// LocationSummary is one row of the client summary by location report,
// tagged with the date it was pulled for.
type LocationSummary struct {
	Date                   time.Time
	LocationCode           int
	Section                string
	Details                string
	PercentageDescription  string
	Issued                 int
	InProcess              int
	NonViolations          int
	ControllableRejects    int
	UncontrollableRejects  int
	PendingInitialApproval int
	PendingRejectApproval  int
	Description            string
	DetailCount            int
	OrderBy                int
}

// GetClientSummaryByLocation pulls the by-location summary. The portal
// batches the whole range into one set of rows, so this queries one
// day at a time and tags each row with its date. AllCams runs both
// programs.
func (c *Client) GetClientSummaryByLocation(ctx context.Context, start, end time.Time,
	camType CamType, location string) ([]LocationSummary, error) {
	ctx, span := tracer.Start(ctx, "GetClientSummaryByLocation")
	defer span.End()
	slog.InfoContext(ctx, "getting client summary by location",
		"start", start.Format(dateLayout), "end", end.Format(dateLayout), "cam_type", camType)

	if camType == AllCams {
		summaries, err := c.GetClientSummaryByLocation(ctx, start, end, RedLight, location)
		if err != nil {
			return nil, err
		}
		overheight, err := c.GetClientSummaryByLocation(ctx, start, end, Overheight, location)
		if err != nil {
			return nil, err
		}
		return append(summaries, overheight...), nil
	}

	var spec reportSpec
	switch camType {
	case RedLight:
		spec = clientSummaryRL
	case Overheight:
		spec = clientSummaryOH
	default:
		return nil, fmt.Errorf("cam type %s is not valid for location summary", camType)
	}

	if location == "" {
		location = AllLocations
	}

	var summaries []LocationSummary
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		tbl, err := c.getReport(ctx, spec, camType, map[string]string{
			"TextBox0":  day.Format(shortDateLayout),
			"TextBox1":  day.Format(shortDateLayout),
			"ComboBox0": location,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "daily summary failed")
			return nil, err
		}
		if tbl == nil {
			continue
		}
		daily, err := parseLocationSummaries(tbl, day)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, daily...)
	}
	return summaries, nil
}

func parseLocationSummaries(tbl *table, day time.Time) ([]LocationSummary, error) {
	var summaries []LocationSummary
	for _, row := range tbl.rows {
		locations, err := tbl.get(row, "Locations")
		if err != nil {
			return nil, err
		}
		// rollup rows like "All Locations" carry no code and are skipped
		locationCode := leadingInt(locations)
		if locationCode == 0 {
			continue
		}

		summary := LocationSummary{Date: day, LocationCode: locationCode}
		for _, field := range []struct {
			column string
			dest   *string
		}{
			{"Section", &summary.Section},
			{"Details", &summary.Details},
			{"PercentageDescription", &summary.PercentageDescription},
			{"vcDescription", &summary.Description},
		} {
			if *field.dest, err = tbl.get(row, field.column); err != nil {
				return nil, err
			}
		}
		for _, field := range []struct {
			column string
			dest   *int
		}{
			{"Issued", &summary.Issued},
			{"InProcess", &summary.InProcess},
			{"NonViolations", &summary.NonViolations},
			{"ControllableRejects", &summary.ControllableRejects},
			{"UncontrollableRejects", &summary.UncontrollableRejects},
			{"PendingInitialapproval", &summary.PendingInitialApproval},
			{"PendingRejectapproval", &summary.PendingRejectApproval},
			{"DetailCount", &summary.DetailCount},
		} {
			if *field.dest, err = tbl.getInt(row, field.column); err != nil {
				return nil, err
			}
		}
		orderBy, err := tbl.get(row, "iOrderBy")
		if err != nil {
			return nil, err
		}
		summary.OrderBy = leadingInt(orderBy)
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// TrafficCount is the vehicle count one red light camera saw on one day.
type TrafficCount struct {
	LocationCode string
	Date         time.Time
	Count        int
}

// GetTrafficCountsByLocation pulls per-day vehicle pass counts, red
// light cameras only.
func (c *Client) GetTrafficCountsByLocation(ctx context.Context, start, end time.Time) ([]TrafficCount, error) {
	ctx, span := tracer.Start(ctx, "GetTrafficCountsByLocation")
	defer span.End()
	slog.InfoContext(ctx, "getting traffic counts by location",
		"start", start.Format(dateLayout), "end", end.Format(dateLayout))

	tbl, err := c.getReport(ctx, trafficCountsReport, RedLight, map[string]string{
		"TextBox0":  start.Format(dateLayout),
		"TextBox1":  end.Format(dateLayout),
		"ComboBox0": AllLocations,
	})
	if err != nil || tbl == nil {
		return nil, err
	}

	var counts []TrafficCount
	for _, row := range tbl.rows {
		code, err := tbl.get(row, "iLocationCode")
		if err != nil {
			return nil, err
		}
		rawDate, err := tbl.get(row, "Ddate")
		if err != nil {
			return nil, err
		}
		day, err := parseReportTime(rawDate, timezone.Location)
		if err != nil {
			return nil, err
		}
		count, err := tbl.getInt(row, "VehPass")
		if err != nil {
			return nil, err
		}
		counts = append(counts, TrafficCount{LocationCode: code, Date: day, Count: count})
	}
	return counts, nil
}
