// Package conduent is a client for Conduent's CiteWeb portal, which
// serves the red light and overheight camera programs. CiteWeb is a
// classic ASP.NET application: every response carries hidden
// __VIEWSTATE fields that must be echoed on the next POST, and report
// pages only render after the menu pages have been visited in the
// order a browser would.
package conduent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/city-of-baltimore/atves/lib/htmlutil"
	"github.com/city-of-baltimore/atves/lib/retryutil"
	"github.com/city-of-baltimore/atves/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/conduent")

var (
	ErrLoginFailed = fmt.Errorf("invalid CiteWeb username or password")
	ErrBadMarkup   = fmt.Errorf("citeweb portal markup changed")
)

// CamType selects which camera program a request runs against.
type CamType int

const (
	RedLight CamType = iota + 1
	Overheight
	AllCams
)

func (t CamType) String() string {
	switch t {
	case RedLight:
		return "redlight"
	case Overheight:
		return "overheight"
	case AllCams:
		return "all"
	}
	return fmt.Sprintf("CamType(%d)", int(t))
}

// database maps the camera program to the database name CiteWeb keys
// everything on.
func (t CamType) database() (string, error) {
	switch t {
	case RedLight:
		return "BaltimoreRL", nil
	case Overheight:
		return "BaltimoreOH", nil
	}
	return "", fmt.Errorf("cam type %s has no citeweb database", t)
}

type Client struct {
	http    *resty.Client
	baseURL *url.URL

	// hidden ASP.NET state, refreshed from every parsed response
	state map[string]string

	sessionID        string
	deploymentServer string
}

type ClientOptions struct {
	// BaseURL overrides the production portal, for tests.
	BaseURL  string
	Username string
	Password string
}

const productionBaseURL = "https://cw3.cite-web.com"

// stateFields are the hidden inputs CiteWeb requires echoed back on
// every form post.
var stateFields = []string{"__VIEWSTATE", "__VIEWSTATEGENERATOR", "__EVENTVALIDATION"}

var sessionIDPattern = regexp.MustCompile(`ID=(\d*)`)

// NewClient logs into CiteWeb immediately. The portal nominally wants
// a one time password after this; in practice the session works
// without one, but LoginOTP is available if that ever changes.
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	ctx, span := tracer.Start(ctx, "NewClient")
	defer span.End()

	base := opts.BaseURL
	if base == "" {
		base = productionBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := resty.New()
	client.SetCookieJar(jar)
	client.SetTimeout(time.Minute * 2)
	telemetry.InstrumentResty(client, "scrapers/conduent/http")

	c := &Client{
		http:    client,
		baseURL: baseURL,
		state:   map[string]string{},
	}

	slog.DebugContext(ctx, "creating citeweb session", "username", opts.Username)
	err = retryutil.Do(ctx, func() error {
		return c.login(ctx, opts.Username, opts.Password)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return nil, err
	}
	return c, nil
}

func (c *Client) portal(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) login(ctx context.Context, username, password string) error {
	ctx, span := tracer.Start(ctx, "login")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.portal("/loginhub/Main.aspx"))
	if err != nil {
		return err
	}
	if err := c.captureState(res.String()); err != nil {
		return retryutil.Permanent(err)
	}

	form := map[string]string{
		"txtUser":     username,
		"txtPassword": password,
		"btnLogin":    "Sign In",
		"forgotpwd":   "0",
	}
	for field, value := range c.state {
		form[field] = value
	}
	res, err = c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(c.portal("/loginhub/Main.aspx"))
	if err != nil {
		return err
	}
	if err := c.captureState(res.String()); err != nil {
		return retryutil.Permanent(err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
	if err != nil {
		return retryutil.Permanent(fmt.Errorf("%w: unparseable login response: %w", ErrBadMarkup, err))
	}
	// the OTP prompt only renders after valid credentials
	if doc.Find(`input[name="txtOTP"]`).Length() != 1 {
		return retryutil.Permanent(ErrLoginFailed)
	}
	return nil
}

// LoginOTP completes the one time password step. CiteWeb currently
// lets report requests through without it.
func (c *Client) LoginOTP(ctx context.Context, otp string) error {
	ctx, span := tracer.Start(ctx, "LoginOTP")
	defer span.End()

	return retryutil.Do(ctx, func() error {
		form := map[string]string{
			"txtUser":     "",
			"txtPassword": "",
			"txtOTP":      otp,
			"btnOTP":      "Submit",
			"forgotpwd":   "0",
		}
		for field, value := range c.state {
			form[field] = value
		}
		res, err := c.http.R().
			SetContext(ctx).
			SetHeader("Referer", c.portal("/loginhub/Main.aspx")).
			SetFormData(form).
			Post(c.portal("/loginhub/Main.aspx"))
		if err != nil {
			return err
		}
		if err := c.captureState(res.String()); err != nil {
			return retryutil.Permanent(err)
		}

		_, err = c.http.R().
			SetContext(ctx).
			SetHeader("Referer", c.portal("/loginhub/Main.aspx")).
			Get(c.portal("/loginhub/Select.aspx?ID=" + c.sessionID))
		return err
	})
}

// captureState refreshes the hidden ASP.NET fields and, when present,
// the numeric session id embedded in the Citeweb3 button.
func (c *Client) captureState(body string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: unparseable response: %w", ErrBadMarkup, err)
	}

	citeweb := doc.Find(`input[value="Citeweb3"]`)
	if citeweb.Length() > 0 {
		if citeweb.Length() > 1 {
			slog.Warn("expected one Citeweb3 tag, found multiple", "count", citeweb.Length())
		}
		markup, err := goquery.OuterHtml(citeweb.First())
		if err != nil {
			return fmt.Errorf("%w: unrenderable Citeweb3 tag: %w", ErrBadMarkup, err)
		}
		match := sessionIDPattern.FindStringSubmatch(markup)
		if match == nil {
			return fmt.Errorf("%w: Citeweb3 tag carries no session ID", ErrBadMarkup)
		}
		c.sessionID = match[1]
	}

	hidden := htmlutil.HiddenInputs(doc)
	for _, field := range stateFields {
		value, ok := hidden[field]
		if !ok {
			return fmt.Errorf("%w: missing hidden field %s", ErrBadMarkup, field)
		}
		c.state[field] = value
	}
	return nil
}

// setupReportRequest replays the menu navigation a browser performs
// before the report pages work, and pins the DB cookies to the
// requested camera program. Must run before every report pull; the
// portal resets its notion of the active database between pulls.
func (c *Client) setupReportRequest(ctx context.Context, camType CamType) error {
	db, err := camType.database()
	if err != nil {
		return retryutil.Permanent(err)
	}

	_, err = c.http.R().
		SetContext(ctx).
		SetHeader("Referer", c.portal("/loginhub/Select.aspx?ID="+c.sessionID)).
		Get(c.portal("/citeweb3/Default.asp?ID=" + c.sessionID))
	if err != nil {
		return err
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Referer", c.portal("/citeweb3/newmenu.asp")).
		Get(c.portal("/citeweb3/citmenu.asp?DB=" + db + "&Site=Maryland"))
	if err != nil {
		return err
	}

	if c.deploymentServer == "" {
		if err := c.discoverDeploymentServer(res.String()); err != nil {
			return err
		}
	}

	c.http.GetClient().Jar.SetCookies(c.baseURL, []*http.Cookie{
		{Name: "DBDisplay", Value: db, Path: "/"},
		{Name: "DB", Value: db, Path: "/"},
	})
	return nil
}

// discoverDeploymentServer pulls the backend server name out of the
// Reports link on the camera menu page.
func (c *Client) discoverDeploymentServer(body string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: unparseable menu page: %w", ErrBadMarkup, err)
	}

	for _, anchor := range htmlutil.GetAnchors(doc.Find("a")) {
		if anchor.Name != "Reports" {
			continue
		}
		href, err := url.Parse(anchor.Href)
		if err != nil {
			continue
		}
		if server := href.Query().Get("Server"); server != "" {
			c.deploymentServer = server
			return nil
		}
	}
	return fmt.Errorf("%w: no Reports link with a Server parameter", ErrBadMarkup)
}

const dateLayout = "01/02/2006"

// shortDateLayout is the two digit year format the by-location report
// insists on.
const shortDateLayout = "01/02/06"

// reportTimeLayouts covers the date renderings CiteWeb CSV exports use.
var reportTimeLayouts = []string{
	"Jan 2 2006 3:04PM",
	"Jan 2 2006 15:04",
	"1/2/2006 3:04:05 PM",
	"1/2/2006",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseReportTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range reportTimeLayouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrBadMarkup, value)
}
