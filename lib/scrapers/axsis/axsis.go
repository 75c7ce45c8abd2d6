// Package axsis is a client for the Axsis Mobility Platform, which
// fronts the city's speed camera program. Report retrieval is a
// stateful multi-step dance: an STS login with scraped verification
// tokens, an OIDC form replay, then a report cache/download pair per
// report. Calls on one Client must stay sequential; the portal tracks
// navigation state per session and concurrent requests corrupt it.
package axsis

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/city-of-baltimore/atves/lib/retryutil"
	"github.com/city-of-baltimore/atves/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/axsis")

var (
	ErrLoginFailed = fmt.Errorf("invalid Axsis username or password")
	ErrBadMarkup   = fmt.Errorf("axsis portal markup changed")
)

const acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9," +
	"image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.9"

// cookies the portal must have set by the end of a successful login
var requiredCookies = []string{"idsrv", "idsrv.session", "f5-axsisweb-lb-cookie", "_mvc3authcougar"}

type Client struct {
	http       *resty.Client
	baseURL    *url.URL
	stsBaseURL string
	username   string
	password   string
	clientID   string
	clientCode string
}

type ClientOptions struct {
	// BaseURL overrides the production portal, for tests.
	BaseURL string
	// STSBaseURL overrides the production token service, for tests.
	STSBaseURL string
	// Username is case sensitive on the portal but normalized to upper
	// case the way the web client does.
	Username string
	Password string
}

const (
	productionBaseURL    = "https://webportal1.atsol.com"
	productionSTSBaseURL = "https://sts.atsol.com"
)

// NewClient logs into Axsis immediately; an authentication failure is
// returned from here, not deferred to the first report call.
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	ctx, span := tracer.Start(ctx, "NewClient")
	defer span.End()

	base := opts.BaseURL
	if base == "" {
		base = productionBaseURL
	}
	sts := opts.STSBaseURL
	if sts == "" {
		sts = productionSTSBaseURL
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
	client.SetHeader("Accept", acceptHeader)
	client.SetTimeout(time.Minute * 2)
	telemetry.InstrumentResty(client, "scrapers/axsis/http")

	c := &Client{
		http:       client,
		baseURL:    baseURL,
		stsBaseURL: sts,
		username:   strings.ToUpper(opts.Username),
		password:   opts.Password,
	}

	slog.DebugContext(ctx, "creating axsis session", "username", c.username)
	err = retryutil.Do(ctx, func() error {
		return c.login(ctx)
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

func (c *Client) login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "login")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.portal("/axsis.web"))
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
	if err != nil {
		return retryutil.Permanent(fmt.Errorf("%w: unparseable login page: %w", ErrBadMarkup, err))
	}

	verificationToken, ok := doc.Find(`input[name="__RequestVerificationToken"]`).Attr("value")
	if !ok {
		return retryutil.Permanent(fmt.Errorf("%w: missing __RequestVerificationToken", ErrBadMarkup))
	}
	returnURL, ok := doc.Find("#ReturnUrl").Attr("value")
	if !ok {
		return retryutil.Permanent(fmt.Errorf("%w: missing ReturnUrl", ErrBadMarkup))
	}

	res, err = c.http.R().
		SetContext(ctx).
		SetHeader("Origin", c.stsBaseURL).
		SetQueryParam("returnUrl", returnURL).
		SetFormData(map[string]string{
			"PassManagerUsed":            "false",
			"ReturnUrl":                  returnURL,
			"Username":                   c.username,
			"Password":                   c.password,
			"__RequestVerificationToken": verificationToken,
		}).
		Post(c.stsBaseURL + "/account/login")
	if err != nil {
		return err
	}
	doc, err = goquery.NewDocumentFromReader(strings.NewReader(res.String()))
	if err != nil {
		return retryutil.Permanent(fmt.Errorf("%w: unparseable STS response: %w", ErrBadMarkup, err))
	}

	// the STS echoes the OIDC handoff form only on valid credentials
	if doc.Find(`input[name="session_state"]`).Length() == 0 {
		return retryutil.Permanent(ErrLoginFailed)
	}

	handoff := map[string]string{}
	for _, field := range []string{"code", "id_token", "scope", "state", "session_state", "access_token"} {
		val, ok := doc.Find(fmt.Sprintf(`input[name=%q]`, field)).Attr("value")
		if !ok {
			return retryutil.Permanent(fmt.Errorf("%w: missing OIDC field %q", ErrBadMarkup, field))
		}
		handoff[field] = val
	}

	res, err = c.http.R().
		SetContext(ctx).
		SetHeader("Origin", c.stsBaseURL).
		SetFormData(handoff).
		Post(c.portal("/axsis.web/signin-oidc"))
	if err != nil {
		return err
	}
	doc, err = goquery.NewDocumentFromReader(strings.NewReader(res.String()))
	if err != nil {
		return retryutil.Permanent(fmt.Errorf("%w: unparseable signin response: %w", ErrBadMarkup, err))
	}

	c.clientID, ok = doc.Find("input#clientId").Attr("value")
	if !ok {
		return retryutil.Permanent(fmt.Errorf("%w: missing clientId", ErrBadMarkup))
	}
	c.clientCode, ok = doc.Find("input#clientCode").Attr("value")
	if !ok {
		return retryutil.Permanent(fmt.Errorf("%w: missing clientCode", ErrBadMarkup))
	}

	jarCookies := c.http.GetClient().Jar.Cookies(c.baseURL)
	have := map[string]bool{}
	for _, cookie := range jarCookies {
		have[cookie.Name] = true
	}
	for _, name := range requiredCookies {
		if !have[name] {
			return retryutil.Permanent(fmt.Errorf("%w: cookie %s was never set", ErrLoginFailed, name))
		}
	}

	return nil
}

// warnLongRange flags ranges the portal has trouble with; chunking is
// the orchestrator's job, so this only warns.
func warnLongRange(ctx context.Context, start, end time.Time) {
	if end.Sub(start) > 90*24*time.Hour {
		slog.WarnContext(ctx, "axsis has issues generating reports with over 90 days of content",
			"start", start.Format(dateLayout), "end", end.Format(dateLayout))
	}
}

// dateLayout is the MM/DD/YYYY format every Axsis report parameter uses.
const dateLayout = "01/02/2006"
