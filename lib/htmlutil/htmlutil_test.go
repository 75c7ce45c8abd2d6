package htmlutil

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, page string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)
	return doc
}

func TestHiddenInputs(t *testing.T) {
	doc := parse(t, `<form>
		<input type="hidden" name="__VIEWSTATE" value="vs-1" />
		<input type="hidden" name="__EVENTVALIDATION" value="ev-1" />
		<input type="hidden" value="nameless" />
		<input type="text" name="txtUser" value="visible" />
	</form>`)

	require.Equal(t, map[string]string{
		"__VIEWSTATE":       "vs-1",
		"__EVENTVALIDATION": "ev-1",
	}, HiddenInputs(doc))
}

func TestCollapseTextPreservesSpaceRuns(t *testing.T) {
	doc := parse(t, "<p>Site Code: 2101\n  EASTBOUND PULASKI HWY&nbsp;&nbsp;Jurisdiction: B</p>")

	collapsed := CollapseText(doc.Find("p"))
	require.Equal(t, "Site Code: 2101   EASTBOUND PULASKI HWY  Jurisdiction: B", collapsed)
}

func TestGetAnchors(t *testing.T) {
	doc := parse(t, `<body>
		<a href="citmenu.asp?DB=BaltimoreRL&amp;Site=Maryland">Reports</a>
		<a href="citmain.asp">Main   Menu</a>
		<a>no link</a>
	</body>`)

	anchors := GetAnchors(doc.Find("a"))
	require.Equal(t, []Anchor{
		{Name: "Reports", Href: "citmenu.asp?DB=BaltimoreRL&Site=Maryland"},
		{Name: "Main Menu", Href: "citmain.asp"},
		{Name: "no link", Href: ""},
	}, anchors)
}
