package cobreports

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/city-of-baltimore/atves/lib/telemetry"
	"github.com/city-of-baltimore/atves/lib/timezone"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseLTIV(t *testing.T) {
	data := "5|type1|id1|abcde|0|hiddenField|__EVENTTARGET||12|updatePanel|panel|<p>hello</p>|"
	entries, err := ParseLTIV(data)
	require.NoError(t, err)
	require.Equal(t, map[string]LTIVEntry{
		"id1":            {Value: "abcde", Type: "type1"},
		"__EVENTTARGET":  {Value: "", Type: "hiddenField"},
		"panel":          {Value: "<p>hello</p>", Type: "updatePanel"},
	}, entries)
}

func TestParseLTIVEmbeddedDelimiter(t *testing.T) {
	// values may contain pipes; only the length prefix is authoritative
	entries, err := ParseLTIV("3|t|id|a|b|")
	require.NoError(t, err)
	require.Equal(t, "a|b", entries["id"].Value)
}

func TestParseLTIVCountsCharacters(t *testing.T) {
	// lengths count characters, not utf-8 bytes
	entries, err := ParseLTIV("14|t|id|touché – voilà|6|t|id2|second|")
	require.NoError(t, err)
	require.Equal(t, "touché – voilà", entries["id"].Value)
	require.Equal(t, "second", entries["id2"].Value)
}

func TestParseLTIVMalformed(t *testing.T) {
	_, err := ParseLTIV("9|t|id|short|")
	require.ErrorIs(t, err, ErrBadMarkup)

	_, err = ParseLTIV("x|t|id|val|")
	require.ErrorIs(t, err, ErrBadMarkup)
}

func TestParseAmount(t *testing.T) {
	testCases := []struct {
		raw      string
		expected string
	}{
		{"$1,234.56", "1234.56"},
		{"(45.00)", "-45"},
		{"($1,000.50)", "-1000.5"},
		{"12", "12"},
		{"", "0"},
	}
	for _, tc := range testCases {
		amount, err := parseAmount(tc.raw)
		require.NoError(t, err, tc.raw)
		require.True(t, amount.Equal(decimal.RequireFromString(tc.expected)),
			"%s parsed to %s", tc.raw, amount)
	}
}

const viewerPage = `<html><body><form id="ReportViewerForm" method="post">
<input type="hidden" name="__VIEWSTATE" value="vs-original">
<input type="hidden" name="__VIEWSTATEGENERATOR" value="vsg-original">
<input type="text" name="ReportViewerControl$ctl04$ctl03$txtValue" value="">
<input type="submit" name="go" value="View Report">
</form></body></html>`

const correctorHTML = `<div><input id="NavigationCorrector_NewViewState" value="vs-corrected"></div>`

func ltivBody() string {
	records := []struct{ id, typ, value string }{
		{"NavigationCorrector_ctl00", "updatePanel", correctorHTML},
		{"__EVENTTARGET", "hiddenField", "ReportViewerControl"},
		{"__VIEWSTATE", "hiddenField", "vs-postback"},
		{"__VIEWSTATEGENERATOR", "hiddenField", "vsg-postback"},
		// the export url rides inside a script record as a JSON
		// string, so its ampersands come json-escaped
		{"scriptBlock", "scripts", `"ExportUrlBase":"/ReportServer?rs:Command=Render\u0026rs:Format="`},
	}
	body := ""
	for _, r := range records {
		body += fmt.Sprintf("%d|%s|%s|%s|", len(r.value), r.typ, r.id, r.value)
	}
	return body
}

func TestGetGeneralLedgerDetail(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/cobreports")
	defer cleanup()

	var postbacks int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /Reports", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /ReportServer/Pages/ReportViewer.aspx", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, viewerPage)
	})
	mux.HandleFunc("POST /ReportServer/Pages/ReportViewer.aspx", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		postbacks++
		switch postbacks {
		case 1:
			require.Equal(t, "vs-original", r.PostForm.Get("__VIEWSTATE"))
			require.Equal(t, "11/1/2020", r.PostForm.Get("ReportViewerControl$ctl04$ctl03$txtValue"))
			require.Equal(t, "A001-112-223", r.PostForm.Get("ReportViewerControl$ctl04$ctl07$txtValue"))
			io.WriteString(w, ltivBody())
		case 2:
			require.Equal(t, "vs-postback", r.PostForm.Get("__VIEWSTATE"))
			require.Equal(t, "vs-corrected", r.PostForm.Get("NavigationCorrector$NewViewState"))
			require.Equal(t, "ltr", r.PostForm.Get("ReportViewerControl$ctl10"))
		default:
			t.Error("unexpected extra postback")
		}
	})
	mux.HandleFunc("GET /ReportServer", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Render", r.URL.Query().Get("rs:Command"))
		require.Equal(t, "CSV", r.URL.Query().Get("rs:Format"))
		io.WriteString(w, "JournalEntryNo,LedgerPostingDate,AccountNo,LegacyAccountNo,Amount,"+
			"SourceJournal,TrxReference,TrxDescription,UserWhoPosted,TrxNo,VendorIDOrCustomerID,"+
			"VendorOrCustomerName,DocumentNo,TrxSource,AccountDescription,AccountType,AgencyOrCategory\n"+
			"JE100,11/5/2020,1001,A001-112-223,\"($1,250.00)\",GJ,ref,ATVES fines,user1,T1,V9,"+
			"Conduent,D1,GL,Fines,Revenue,DOT\n")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClient(context.Background(), ClientOptions{
		BaseURL:  server.URL,
		Username: "user",
		Password: "pass",
	})
	require.NoError(t, err)

	entries, err := client.GetGeneralLedgerDetail(context.Background(),
		timezone.Date(2020, 11, 1), timezone.Date(2020, 11, 30), "A001-112-223", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, postbacks)

	entry := entries[0]
	require.Equal(t, "JE100", entry.JournalEntryNo)
	require.Equal(t, timezone.Date(2020, 11, 5), entry.LedgerPostingDate)
	require.True(t, entry.Amount.Equal(decimal.RequireFromString("-1250")))
	require.Equal(t, "ATVES fines", entry.TrxDescription)
	require.Equal(t, "DOT", entry.AgencyOrCategory)
}

func TestNewClientRejected(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/cobreports")
	defer cleanup()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /Reports", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	_, err := NewClient(context.Background(), ClientOptions{
		BaseURL:  server.URL,
		Username: "user",
		Password: "bad",
	})
	require.ErrorIs(t, err, ErrLoginFailed)
}
