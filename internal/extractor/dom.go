package extractor

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/alpha-watch/alpha-watch/internal/model"
	"github.com/alpha-watch/alpha-watch/internal/timeutil"
)

var headingAtoms = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
}

var tokenHeaderHints = []string{"token", "coin", "项目", "name", "symbol"}
var timeHeaderHints = []string{"time", "时间", "时刻", "开始"}

// ExtractHTML parses the document and, for every section heading,
// extracts either a following table's rows or a following div's child
// cards into Events, deduping (section, token|raw_time) within this pass.
func ExtractHTML(rawHTML string) []model.Event {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var events []model.Event
	seen := make(map[string]bool)

	walkForHeadings(doc, &events, seen)
	return events
}

func walkForHeadings(n *html.Node, out *[]model.Event, seen map[string]bool) {
	if n.Type == html.ElementNode && headingAtoms[n.DataAtom] {
		text := textContent(n)
		section := timeutil.NormalizeSection(text)
		if section != "unknown" {
			if table := nextTable(n); table != nil {
				extractTableSection(table, section, out, seen)
			} else if div := nextDiv(n); div != nil {
				extractCardSection(div, section, out, seen)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkForHeadings(c, out, seen)
	}
}

// nextTable returns the first <table> that follows n in document order,
// searching forward through subsequent siblings and their descendants
// (mirroring BeautifulSoup's find_next).
func nextTable(n *html.Node) *html.Node {
	return findNext(n, atom.Table)
}

func nextDiv(n *html.Node) *html.Node {
	return findNext(n, atom.Div)
}

func findNext(n *html.Node, target atom.Atom) *html.Node {
	for cur := nextInDocOrder(n); cur != nil; cur = nextInDocOrder(cur) {
		if cur.Type == html.ElementNode && cur.DataAtom == target {
			return cur
		}
	}
	return nil
}

// nextInDocOrder returns the next node in a pre-order DOM traversal: a
// node's first child, else its next sibling, else its ancestor's next
// sibling, walking up until one is found.
func nextInDocOrder(n *html.Node) *html.Node {
	if n.FirstChild != nil {
		return n.FirstChild
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.NextSibling != nil {
			return cur.NextSibling
		}
	}
	return nil
}

func extractTableSection(table *html.Node, section string, out *[]model.Event, seen map[string]bool) {
	rows := findAll(table, atom.Tr)
	if len(rows) == 0 {
		return
	}

	var headers []string
	headerCells := childCells(rows[0])
	for _, c := range headerCells {
		headers = append(headers, strings.ToLower(textContent(c)))
	}

	for _, row := range rows {
		cells := childCells(row)
		if len(cells) == 0 {
			continue
		}
		texts := make([]string, len(cells))
		lowered := make([]string, len(cells))
		for i, c := range cells {
			texts[i] = textContent(c)
			lowered[i] = strings.ToLower(texts[i])
		}
		if len(headers) > 0 && sliceEqual(lowered, headers) {
			continue
		}

		token := detectToken(texts, headers)
		if token == "" {
			continue
		}
		rawTime := detectTime(texts, headers)
		key := section + "\x00" + token + "|" + rawTime
		if seen[key] {
			continue
		}
		seen[key] = true

		*out = append(*out, model.Event{
			Token:   token,
			Section: model.Section(section),
			RawTime: rawTime,
			Details: buildRowDetails(texts, headers),
			Source:  model.SourceDOM,
		})
	}
}

func childCells(row *html.Node) []*html.Node {
	var cells []*html.Node
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
			cells = append(cells, c)
		}
	}
	return cells
}

func findAll(n *html.Node, target atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.DataAtom == target {
			out = append(out, node)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func detectToken(cells, headers []string) string {
	if len(headers) > 0 {
		for i, h := range headers {
			if containsAny(h, tokenHeaderHints) && i < len(cells) {
				return strings.TrimSpace(cells[i])
			}
		}
	}
	if len(cells) == 0 {
		return ""
	}
	return strings.TrimSpace(cells[0])
}

func detectTime(cells, headers []string) string {
	if len(headers) > 0 {
		for i, h := range headers {
			if containsAny(h, timeHeaderHints) && i < len(cells) {
				return strings.TrimSpace(cells[i])
			}
		}
	}
	for _, c := range cells {
		if timeutil.LooksLikeTime(c) {
			return strings.TrimSpace(c)
		}
	}
	return ""
}

var headerWhitespace = regexp.MustCompile(`\s+`)

func buildRowDetails(cells, headers []string) map[string]any {
	details := map[string]any{}
	if len(headers) == 0 {
		cols := make([]any, len(cells))
		for i, c := range cells {
			cols[i] = c
		}
		details["columns"] = cols
		return details
	}
	for i, h := range headers {
		if h == "" {
			continue
		}
		cleaned := headerWhitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_")
		switch cleaned {
		case "token", "coin", "name", "symbol", "time", "时间":
			continue
		}
		if i < len(cells) {
			details[cleaned] = strings.TrimSpace(cells[i])
		}
	}
	return details
}

func extractCardSection(container *html.Node, section string, out *[]model.Event, seen map[string]bool) {
	cards := directChildren(container, atom.Div)
	if len(cards) == 0 {
		cards = findAll(container, atom.Div)
	}
	for _, card := range cards {
		lines := textLines(card)
		if len(lines) == 0 {
			continue
		}
		token := lines[0]
		var rawTime string
		for _, line := range lines[1:] {
			if timeutil.LooksLikeTime(line) {
				rawTime = line
				break
			}
		}
		key := section + "\x00" + token + "|" + rawTime
		if seen[key] {
			continue
		}
		seen[key] = true

		*out = append(*out, model.Event{
			Token:   token,
			Section: model.Section(section),
			RawTime: rawTime,
			Details: map[string]any{"lines": lines[1:]},
			Source:  model.SourceDOM,
		})
	}
}

func directChildren(n *html.Node, target atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == target {
			out = append(out, c)
		}
	}
	return out
}

func textLines(n *html.Node) []string {
	var b strings.Builder
	collectText(n, &b)
	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		trimmed := strings.TrimSpace(n.Data)
		if trimmed != "" {
			b.WriteString(trimmed)
			b.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
