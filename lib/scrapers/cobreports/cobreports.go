// Package cobreports pulls financial reports from the city's SQL
// Server Reporting Services instance. SSRS has no export API worth the
// name, so this drives the ReportViewer page the way a browser would:
// an NTLM-authenticated session, an async postback to run the report,
// a navigation-corrector postback, then the CSV export URL the first
// postback leaked.
package cobreports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"strings"
	"time"

	"github.com/city-of-baltimore/atves/lib/retryutil"
	"github.com/city-of-baltimore/atves/lib/telemetry"
	"github.com/city-of-baltimore/atves/lib/timezone"

	"github.com/Azure/go-ntlmssp"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/cobreports")

var (
	ErrLoginFailed = fmt.Errorf("invalid report server username or password")
	ErrBadMarkup   = fmt.Errorf("report server markup changed")
)

// the report server rejects clients that do not look like a browser
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/86.0.4240.183 Safari/537.36"

const productionBaseURL = "https://cobrpt02.rsm.cloud"

type Client struct {
	http    *resty.Client
	baseURL string
}

type ClientOptions struct {
	// BaseURL overrides the production report server, for tests.
	BaseURL  string
	Username string
	Password string
}

// NewClient opens an NTLM session against the report server and
// verifies the credentials by loading the report listing.
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	ctx, span := tracer.Start(ctx, "NewClient")
	defer span.End()

	base := opts.BaseURL
	if base == "" {
		base = productionBaseURL
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := resty.New()
	client.SetTransport(ntlmssp.Negotiator{RoundTripper: http.DefaultTransport})
	client.SetBasicAuth(opts.Username, opts.Password)
	client.SetCookieJar(jar)
	client.SetHeader("User-Agent", userAgent)
	client.SetTimeout(time.Minute * 2)
	telemetry.InstrumentResty(client, "scrapers/cobreports/http")

	c := &Client{http: client, baseURL: base}

	slog.DebugContext(ctx, "creating report server session", "username", opts.Username)
	err = retryutil.Do(ctx, func() error {
		res, err := c.http.R().
			SetContext(ctx).
			Get(c.baseURL + "/Reports")
		if err != nil {
			return err
		}
		if res.StatusCode() != http.StatusOK {
			return retryutil.Permanent(fmt.Errorf("%w: report listing returned %d", ErrLoginFailed, res.StatusCode()))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return nil, err
	}
	return c, nil
}

// LedgerEntry is one transaction from the general ledger detail report.
type LedgerEntry struct {
	JournalEntryNo       string
	LedgerPostingDate    time.Time
	AccountNo            string
	LegacyAccountNo      string
	Amount               decimal.Decimal
	SourceJournal        string
	TrxReference         string
	TrxDescription       string
	UserWhoPosted        string
	TrxNo                string
	VendorIDOrCustomerID string
	VendorOrCustomerName string
	DocumentNo           string
	TrxSource            string
	AccountDescription   string
	AccountType          string
	AgencyOrCategory     string
}

const reportViewerPath = "/ReportServer/Pages/ReportViewer.aspx" +
	"?%2FCOB%20Reports%2FMonthly%20Financials%20and%20Support%2FGeneral_Ledger_Detail" +
	"&rc:showbackbutton=true"

// the report's parameter date boxes want no leading zeros
const parameterDateLayout = "1/2/2006"

var exportURLPattern = regexp.MustCompile(`"ExportUrlBase":"(.*?)"`)

// GetGeneralLedgerDetail runs the General Ledger Detail report for one
// legacy account over a date range and returns the transactions.
// Agency "0" means no agency filter.
func (c *Client) GetGeneralLedgerDetail(ctx context.Context, start, end time.Time,
	legacyAccountNo, agency string) ([]LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "GetGeneralLedgerDetail")
	defer span.End()
	slog.InfoContext(ctx, "getting general ledger detail",
		"account", legacyAccountNo, "agency", agency)

	if agency == "" {
		agency = "0"
	}

	body, err := retryutil.DoValue(ctx, func() ([]byte, error) {
		return c.runLedgerReport(ctx, start, end, legacyAccountNo, agency)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger report failed")
		return nil, err
	}
	return parseLedgerCSV(body)
}

func (c *Client) runLedgerReport(ctx context.Context, start, end time.Time,
	legacyAccountNo, agency string) ([]byte, error) {
	res, err := c.http.R().
		SetContext(ctx).
		Get(c.baseURL + reportViewerPath)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
	if err != nil {
		return nil, retryutil.Permanent(fmt.Errorf("%w: unparseable viewer page: %w", ErrBadMarkup, err))
	}

	form := doc.Find("form#ReportViewerForm")
	if form.Length() == 0 {
		return nil, retryutil.Permanent(fmt.Errorf("%w: no ReportViewerForm", ErrBadMarkup))
	}
	fields := formFields(form)

	viewState, ok1 := fields["__VIEWSTATE"]
	viewStateGen, ok2 := fields["__VIEWSTATEGENERATOR"]
	if !ok1 || !ok2 {
		return nil, retryutil.Permanent(fmt.Errorf("%w: viewer page missing view state", ErrBadMarkup))
	}

	// first postback runs the report
	fields["AjaxScriptManager"] = "AjaxScriptManager|ReportViewerControl$ctl04$ctl00"
	fields["__VIEWSTATE"] = viewState
	fields["__VIEWSTATEGENERATOR"] = viewStateGen
	fields["ReportViewerControl$ctl11"] = "standards"
	fields["ReportViewerControl$AsyncWait$HiddenCancelField"] = "False"
	fields["ReportViewerControl$ctl04$ctl03$txtValue"] = start.Format(parameterDateLayout)
	fields["ReportViewerControl$ctl04$ctl05$txtValue"] = end.Format(parameterDateLayout)
	fields["ReportViewerControl$ctl04$ctl07$txtValue"] = legacyAccountNo
	fields["ReportViewerControl$ctl04$ctl09$ddValue"] = "0"
	fields["ReportViewerControl$ctl04$ctl31$ddValue"] = agency
	fields["ReportViewerControl$ToggleParam$collapse"] = "false"
	fields["ReportViewerControl$ctl07$collapse"] = "false"
	fields["ReportViewerControl$ctl09$ReportControl$ctl04"] = "100"
	fields["__ASYNCPOST"] = "true"

	res, err = c.http.R().
		SetContext(ctx).
		SetFormData(fields).
		Post(c.baseURL + reportViewerPath)
	if err != nil {
		return nil, err
	}
	postback := res.String()

	match := exportURLPattern.FindStringSubmatch(postback)
	if match == nil {
		return nil, fmt.Errorf("%w: postback carries no export url", ErrBadMarkup)
	}
	// the export url sits inside a JSON string, so its ampersands
	// arrive as the literal escape sequence \u0026
	exportBase := strings.ReplaceAll(match[1], `\u0026`, "&")

	entries, err := ParseLTIV(postback)
	if err != nil {
		return nil, retryutil.Permanent(err)
	}

	corrector, ok := entries["NavigationCorrector_ctl00"]
	if !ok {
		return nil, fmt.Errorf("%w: postback has no navigation corrector", ErrBadMarkup)
	}
	correctorDoc, err := goquery.NewDocumentFromReader(strings.NewReader(corrector.Value))
	if err != nil {
		return nil, retryutil.Permanent(fmt.Errorf("%w: unparseable navigation corrector: %w", ErrBadMarkup, err))
	}
	newViewState, ok := correctorDoc.Find("input#NavigationCorrector_NewViewState").Attr("value")
	if !ok {
		return nil, fmt.Errorf("%w: navigation corrector has no view state", ErrBadMarkup)
	}

	for _, field := range []string{"__EVENTTARGET", "__VIEWSTATE", "__VIEWSTATEGENERATOR"} {
		entry, ok := entries[field]
		if !ok {
			return nil, fmt.Errorf("%w: postback missing %s", ErrBadMarkup, field)
		}
		fields[field] = entry.Value
	}
	// second postback settles the viewer state so the export URL works
	fields["AjaxScriptManager"] = "AjaxScriptManager|ReportViewerControl$ctl09$Reserved_AsyncLoadTarget"
	fields["NavigationCorrector$NewViewState"] = newViewState
	fields["ReportViewerControl$ctl10"] = "ltr"

	_, err = c.http.R().
		SetContext(ctx).
		SetFormData(fields).
		Post(c.baseURL + reportViewerPath)
	if err != nil {
		return nil, err
	}

	res, err = c.http.R().
		SetContext(ctx).
		Get(c.baseURL + exportBase + "CSV")
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "downloaded ledger csv", "bytes", len(res.Body()))
	return res.Body(), nil
}

// formFields snapshots the submittable controls of a form, the way a
// browser would serialize it.
func formFields(form *goquery.Selection) map[string]string {
	fields := map[string]string{}
	form.Find("input").Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok || name == "" {
			return
		}
		if t, _ := input.Attr("type"); t == "submit" || t == "button" || t == "image" {
			return
		}
		value, _ := input.Attr("value")
		fields[name] = value
	})
	form.Find("select").Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		option := sel.Find("option[selected]")
		if option.Length() == 0 {
			option = sel.Find("option").First()
		}
		value, ok := option.Attr("value")
		if !ok {
			value = option.Text()
		}
		fields[name] = value
	})
	return fields
}

var amountCleaner = strings.NewReplacer("$", "", ",", "", ")", "")

// parseAmount converts accounting renderings like "$1,234.56" and
// "(45.00)" into decimals; parenthesized values are negative.
func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	raw = amountCleaner.Replace(raw)
	raw = strings.ReplaceAll(raw, "(", "-")
	return decimal.NewFromString(raw)
}

var ledgerDateLayouts = []string{
	"1/2/2006 15:04:05",
	"1/2/2006",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseLedgerDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range ledgerDateLayouts {
		if ts, err := time.ParseInLocation(layout, raw, timezone.Location); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable posting date %q", ErrBadMarkup, raw)
}

func parseLedgerCSV(body []byte) ([]LedgerEntry, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable ledger csv: %w", ErrBadMarkup, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: ledger csv has no header", ErrBadMarkup)
	}

	columns := map[string]int{}
	for i, name := range records[0] {
		columns[strings.TrimSpace(name)] = i
	}
	get := func(row []string, column string) (string, error) {
		idx, ok := columns[column]
		if !ok || idx >= len(row) {
			return "", fmt.Errorf("%w: ledger csv missing column %q", ErrBadMarkup, column)
		}
		return strings.TrimSpace(row[idx]), nil
	}

	var entries []LedgerEntry
	for _, row := range records[1:] {
		entry := LedgerEntry{}
		for _, field := range []struct {
			column string
			dest   *string
		}{
			{"JournalEntryNo", &entry.JournalEntryNo},
			{"AccountNo", &entry.AccountNo},
			{"LegacyAccountNo", &entry.LegacyAccountNo},
			{"SourceJournal", &entry.SourceJournal},
			{"TrxReference", &entry.TrxReference},
			{"TrxDescription", &entry.TrxDescription},
			{"UserWhoPosted", &entry.UserWhoPosted},
			{"TrxNo", &entry.TrxNo},
			{"VendorIDOrCustomerID", &entry.VendorIDOrCustomerID},
			{"VendorOrCustomerName", &entry.VendorOrCustomerName},
			{"DocumentNo", &entry.DocumentNo},
			{"TrxSource", &entry.TrxSource},
			{"AccountDescription", &entry.AccountDescription},
			{"AccountType", &entry.AccountType},
			{"AgencyOrCategory", &entry.AgencyOrCategory},
		} {
			if *field.dest, err = get(row, field.column); err != nil {
				return nil, err
			}
		}

		rawDate, err := get(row, "LedgerPostingDate")
		if err != nil {
			return nil, err
		}
		if entry.LedgerPostingDate, err = parseLedgerDate(rawDate); err != nil {
			return nil, err
		}
		rawAmount, err := get(row, "Amount")
		if err != nil {
			return nil, err
		}
		if entry.Amount, err = parseAmount(rawAmount); err != nil {
			return nil, fmt.Errorf("%w: bad amount %q: %w", ErrBadMarkup, rawAmount, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
