package conduent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/city-of-baltimore/atves/lib/htmlutil"
	"github.com/city-of-baltimore/atves/lib/retryutil"
	"github.com/city-of-baltimore/atves/lib/timezone"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

// Location is the camera record behind one location id. All fields are
// raw portal strings; the ingest layer owns normalization.
type Location struct {
	SiteCode      string
	Location      string
	Jurisdiction  string
	DateCreated   string
	CreatedBy     string
	EffectiveDate string
	SpeedLimit    string
	Status        string
	CamType       string // "RL", "OH", or empty when the page carries no marker
}

// cameraPattern pulls the detail fields out of the collapsed paragraph
// text of the location page. The double-space runs between fields are
// load bearing.
var cameraPattern = regexp.MustCompile(
	`Site Code:\s*(\d*)\s*(.*?)\s\s*Jurisdiction: (\S)\s*Date Created: (.*?)\s\s*Created By: ` +
		`(.*?)\s\s*Effective Date: (.*?)\s\s*Speed Limit: (\d*)\s\s*Status: (\w*)`)

// GetLocationByID looks one camera up by its numeric location id.
// A nil Location with nil error means no camera has that id; the
// enumeration in the ingest layer leans on that.
func (c *Client) GetLocationByID(ctx context.Context, locationID int, camType CamType) (*Location, error) {
	ctx, span := tracer.Start(ctx, "GetLocationByID")
	defer span.End()

	if camType != RedLight && camType != Overheight {
		return nil, fmt.Errorf("cam type %s is not valid for location lookup", camType)
	}

	return retryutil.DoValue(ctx, func() (*Location, error) {
		if err := c.setupReportRequest(ctx, camType); err != nil {
			return nil, err
		}

		res, err := c.http.R().
			SetContext(ctx).
			Get(fmt.Sprintf("%s?ID=%d", c.portal("/citeweb3/locationByID.asp"), locationID))
		if err != nil {
			return nil, err
		}
		// ids past the end of the table make the backend blow up
		if res.StatusCode() == http.StatusInternalServerError {
			slog.DebugContext(ctx, "location lookup returned 500", "location_id", locationID)
			return nil, nil
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
		if err != nil {
			return nil, retryutil.Permanent(fmt.Errorf("%w: unparseable location page: %w", ErrBadMarkup, err))
		}

		page := htmlutil.CollapseText(doc.Selection)
		if strings.Contains(page, "No location exists with the selected ID!") {
			slog.DebugContext(ctx, "no location for id", "location_id", locationID)
			return nil, nil
		}

		if !strings.Contains(page, "Effective Date") {
			// the page rendered but without the detail block; return an
			// empty record rather than failing the whole enumeration
			slog.ErrorContext(ctx, "location page missing detail block", "location_id", locationID)
			return &Location{}, nil
		}

		loc := &Location{}
		switch {
		case strings.Contains(page, "BaltimoreRL"):
			loc.CamType = "RL"
		case strings.Contains(page, "BaltimoreOH"):
			loc.CamType = "OH"
		}

		match := cameraPattern.FindStringSubmatch(page)
		if match == nil {
			slog.ErrorContext(ctx, "location page did not match camera pattern",
				"location_id", locationID, "text", page)
			return &Location{}, nil
		}
		loc.SiteCode = match[1]
		loc.Location = match[2]
		loc.Jurisdiction = match[3]
		loc.DateCreated = match[4]
		loc.CreatedBy = match[5]
		loc.EffectiveDate = match[6]
		loc.SpeedLimit = match[7]
		loc.Status = match[8]
		return loc, nil
	})
}

// OverheightCamera pairs a location id with its description.
type OverheightCamera struct {
	LocationID  string
	Description string
}

// GetOverheightCameras lists the overheight cameras from the location
// combo box of a report page; CiteWeb has no dedicated endpoint for it.
func (c *Client) GetOverheightCameras(ctx context.Context) ([]OverheightCamera, error) {
	ctx, span := tracer.Start(ctx, "GetOverheightCameras")
	defer span.End()
	slog.InfoContext(ctx, "getting overheight camera list")

	return retryutil.DoValue(ctx, func() ([]OverheightCamera, error) {
		if err := c.setupReportRequest(ctx, Overheight); err != nil {
			return nil, err
		}

		reportURL := fmt.Sprintf("%s?Server=%s&Database=BaltimoreOH",
			c.portal("/citeweb3/UnivReports.asp"), c.deploymentServer)
		_, err := c.http.R().
			SetContext(ctx).
			SetHeader("Referer", c.portal("/citeweb3/citmenu.asp?DB=BaltimoreOH&Site=Maryland")).
			Get(reportURL)
		if err != nil {
			return nil, err
		}

		res, err := c.http.R().
			SetContext(ctx).
			SetHeader("Referer", reportURL).
			SetFormData(map[string]string{"lstReportList": overheightLocationsReport.list}).
			Post(c.portal("/citeweb3/univReports.asp"))
		if err != nil {
			return nil, err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
		if err != nil {
			return nil, retryutil.Permanent(fmt.Errorf("%w: unparseable report page: %w", ErrBadMarkup, err))
		}

		var cameras []OverheightCamera
		doc.Find(`select#ComboBox0 > option`).Each(func(_ int, opt *goquery.Selection) {
			text := strings.TrimSpace(opt.Text())
			if text == "All Locations" {
				return
			}
			id, description, found := strings.Cut(text, " - ")
			if !found {
				return
			}
			cameras = append(cameras, OverheightCamera{LocationID: id, Description: description})
		})
		return cameras, nil
	})
}

// Deployment is one camera deployment window with its ticket outcome
// counts, as strings straight off the page.
type Deployment struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Location  string
	Officer   string
	EquipType string
	Issued    string
	Rejected  string
}

const deploymentTimeLayout = "Jan 2, 2006 15:04:05"

// GetDeploymentData walks the monthly deployment pages and returns the
// deployments that fall entirely inside the range. AllCams runs both
// programs.
func (c *Client) GetDeploymentData(ctx context.Context, start, end time.Time, camType CamType) ([]Deployment, error) {
	ctx, span := tracer.Start(ctx, "GetDeploymentData")
	defer span.End()
	slog.InfoContext(ctx, "getting deployment data",
		"start", start.Format(dateLayout), "end", end.Format(dateLayout), "cam_type", camType)

	if camType == AllCams {
		deployments, err := c.GetDeploymentData(ctx, start, end, RedLight)
		if err != nil {
			return nil, err
		}
		overheight, err := c.GetDeploymentData(ctx, start, end, Overheight)
		if err != nil {
			return nil, err
		}
		return append(deployments, overheight...), nil
	}

	var page string
	switch camType {
	case RedLight:
		page = "DeplByMonth_BaltimoreRL.asp"
	case Overheight:
		page = "DeplByMonth.asp"
	default:
		return nil, fmt.Errorf("cam type %s is not valid for deployment data", camType)
	}

	if err := retryutil.Do(ctx, func() error {
		return c.setupReportRequest(ctx, camType)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report setup failed")
		return nil, err
	}

	var deployments []Deployment
	for month := timezone.Date(start.Year(), start.Month(), 1); !month.After(end); month = month.AddDate(0, 1, 0) {
		monthly, done, err := c.getMonthlyDeployments(ctx, page, month, start, end)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "monthly deployment fetch failed")
			return nil, err
		}
		deployments = append(deployments, monthly...)
		if done {
			break
		}
	}
	return deployments, nil
}

func (c *Client) getMonthlyDeployments(ctx context.Context, page string, month, start, end time.Time) (
	deployments []Deployment, done bool, err error) {
	doc, err := retryutil.DoValue(ctx, func() (*goquery.Document, error) {
		res, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"Month": month.Month().String(),
				"Year":  fmt.Sprintf("%d", month.Year()),
			}).
			Get(c.portal("/citeweb3/" + page))
		if err != nil {
			return nil, err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
		if err != nil {
			return nil, retryutil.Permanent(fmt.Errorf("%w: unparseable deployment page: %w", ErrBadMarkup, err))
		}
		return doc, nil
	})
	if err != nil {
		return nil, false, err
	}

	table := doc.Find("table.detail").First()
	if table.Length() == 0 {
		// months past the program's data have no table at all
		return nil, true, nil
	}

	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() != 8 {
			return
		}

		startText := htmlutil.CollapseText(cells.Eq(1))
		endText := htmlutil.CollapseText(cells.Eq(2))
		if startText == "" || endText == "" {
			return
		}
		startTime, perr := time.ParseInLocation(deploymentTimeLayout, startText, timezone.Location)
		if perr != nil {
			slog.DebugContext(ctx, "skipping deployment row with bad start time", "value", startText)
			return
		}
		endTime, perr := time.ParseInLocation(deploymentTimeLayout, endText, timezone.Location)
		if perr != nil {
			slog.DebugContext(ctx, "skipping deployment row with bad end time", "value", endText)
			return
		}
		if startTime.Before(start) || endTime.After(end.AddDate(0, 0, 1)) {
			return
		}

		deployments = append(deployments, Deployment{
			ID:        strings.TrimSpace(cells.Eq(0).Find("a").Text()),
			StartTime: startTime,
			EndTime:   endTime,
			Location:  htmlutil.CollapseText(cells.Eq(3)),
			Officer:   htmlutil.CollapseText(cells.Eq(4)),
			EquipType: htmlutil.CollapseText(cells.Eq(5)),
			Issued:    htmlutil.CollapseText(cells.Eq(6)),
			Rejected:  htmlutil.CollapseText(cells.Eq(7)),
		})
	})
	return deployments, false, nil
}
