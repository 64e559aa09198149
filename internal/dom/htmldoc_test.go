package dom

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body>
<table id="datatable">
  <thead><tr><th data-v-1a2b class="datatable-column___client">Client</th></tr></thead>
  <tbody>
    <tr id="r1"><td class="datatable-column___client"><a class="visit_link">101</a></td></tr>
  </tbody>
</table>
</body></html>`

func parse(t *testing.T) *HTMLDocument {
	t.Helper()
	doc, err := ParseHTMLString(page, "https://x.alayacare.com/#/scheduling/scheduled-visits")
	require.NoError(t, err)
	return doc
}

func TestQuery(t *testing.T) {
	doc := parse(t)

	table, err := doc.Query("table#datatable")
	require.NoError(t, err)
	require.NotNil(t, table)

	rows, err := table.QueryAll("tbody > tr")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	link, err := rows[0].Query(".visit_link")
	require.NoError(t, err)
	text, err := link.Text()
	require.NoError(t, err)
	assert.Equal(t, "101", text)

	missing, err := doc.Query("table.p-datatable-table")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQueryAll_ExcludesReceiver(t *testing.T) {
	doc := parse(t)
	row, err := doc.Query("tr#r1")
	require.NoError(t, err)

	self, err := row.QueryAll("tr")
	require.NoError(t, err)
	assert.Empty(t, self)
}

func TestAttrs(t *testing.T) {
	doc := parse(t)
	th, err := doc.Query("th")
	require.NoError(t, err)

	names, err := th.AttrNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"data-v-1a2b", "class"}, names)

	v, ok, err := th.Attr("class")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "datatable-column___client", v)

	_, ok, err = th.Attr("id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStyle(t *testing.T) {
	doc := parse(t)
	th, err := doc.Query("th")
	require.NoError(t, err)

	require.NoError(t, th.SetStyle("display", "none"))
	require.NoError(t, th.SetStyle("width", "5%"))
	v, err := th.Style("display")
	require.NoError(t, err)
	assert.Equal(t, "none", v)

	require.NoError(t, th.SetStyle("display", ""))
	v, err = th.Style("display")
	require.NoError(t, err)
	assert.Empty(t, v)

	raw, _, err := th.Attr("style")
	require.NoError(t, err)
	assert.Equal(t, "width: 5%", raw)
	assert.Equal(t, 3, doc.Mutations())
}

func TestInsertPositions(t *testing.T) {
	doc := parse(t)
	row, err := doc.Query("tr#r1")
	require.NoError(t, err)
	first, err := row.Query("td")
	require.NoError(t, err)

	mk := func(text string) *Element {
		return &Element{Tag: "td", Classes: []string{"x"}, Attrs: []Attr{{Name: "data-k", Value: text}}, Text: text}
	}

	_, err = row.Insert(mk("start"), Prepend)
	require.NoError(t, err)
	_, err = row.Insert(mk("end"), Append)
	require.NoError(t, err)
	_, err = first.Insert(mk("before"), Before)
	require.NoError(t, err)
	_, err = first.Insert(mk("after"), After)
	require.NoError(t, err)

	cells, err := row.QueryAll("td")
	require.NoError(t, err)
	var texts []string
	for _, c := range cells {
		tx, err := c.Text()
		require.NoError(t, err)
		texts = append(texts, tx)
	}
	assert.Equal(t, []string{"start", "before", "101", "after", "end"}, texts)
}

func TestInsertNested(t *testing.T) {
	doc := parse(t)
	row, err := doc.Query("tr#r1")
	require.NoError(t, err)

	created, err := row.Insert(&Element{
		Tag:   "td",
		Style: []StyleProp{{Name: "height", Value: "40px"}},
		Children: []*Element{{
			Tag:      "span",
			Children: []*Element{{Tag: "span", Classes: []string{"break-line"}, Text: "hello"}},
		}},
	}, Append)
	require.NoError(t, err)

	holder, err := created.Query("span.break-line")
	require.NoError(t, err)
	require.NotNil(t, holder)
	require.NoError(t, holder.SetText("bye"))

	text, err := created.Text()
	require.NoError(t, err)
	assert.Equal(t, "bye", text)

	h, err := created.Style("height")
	require.NoError(t, err)
	assert.Equal(t, "40px", h)
}

func TestObserveRows(t *testing.T) {
	doc := parse(t)
	body, err := doc.Query("tbody")
	require.NoError(t, err)

	var seen [][]Node
	obs, err := doc.ObserveRows(body, "tr", func(rows []Node) { seen = append(seen, rows) })
	require.NoError(t, err)

	added, err := doc.AppendHTML(body, `<tr id="r2"><td>2</td></tr><tr id="r3"><td>3</td></tr>`)
	require.NoError(t, err)
	require.Len(t, added, 2)
	require.Len(t, seen, 1)
	assert.Len(t, seen[0], 2)

	same, err := seen[0][0].Equal(added[0])
	require.NoError(t, err)
	assert.True(t, same)

	require.NoError(t, obs.Stop())
	_, err = doc.AppendHTML(body, `<tr id="r4"><td>4</td></tr>`)
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestReplaceHTML_DetachesObservedContainer(t *testing.T) {
	doc := parse(t)
	body, err := doc.Query("tbody")
	require.NoError(t, err)
	table, err := doc.Query("table")
	require.NoError(t, err)

	calls := 0
	_, err = doc.ObserveRows(body, "tr", func([]Node) { calls++ })
	require.NoError(t, err)

	_, err = doc.ReplaceHTML(table, `<table id="datatable"><tbody><tr><td>9</td></tr></tbody></table>`)
	require.NoError(t, err)

	newBody, err := doc.Query("tbody")
	require.NoError(t, err)
	same, err := newBody.Equal(body)
	require.NoError(t, err)
	assert.False(t, same)

	_, err = doc.AppendHTML(newBody, `<tr><td>10</td></tr>`)
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestRender(t *testing.T) {
	doc := parse(t)
	var buf bytes.Buffer
	require.NoError(t, doc.Render(&buf))
	assert.Contains(t, buf.String(), `<a class="visit_link">101</a>`)
}

func TestForeignNodeRejected(t *testing.T) {
	a := parse(t)
	b := parse(t)
	body, err := b.Query("tbody")
	require.NoError(t, err)

	_, err = a.AppendHTML(body, `<tr></tr>`)
	assert.Error(t, err)
}
