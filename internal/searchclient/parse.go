package searchclient

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/thereferee/harvester/internal/model"
)

// resultContainerClasses lists the selector fallback chain the original
// scraper tries in order until one yields elements (§4.2 parsing contract).
var resultContainerClasses = [][]string{
	{"gs_ri"},
	{"gs_r", "gs_scl"},
	{"gs_or"},
}

// resultCountPatterns match the "About N results" banner in the languages
// the original scraper handles.
var resultCountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)About\s+([\d,.\s]+)\s+results?`),
	regexp.MustCompile(`(?i)([\d,.\s]+)\s+results?\s*\(`),
	regexp.MustCompile(`(?i)Environ\s+([\d\s]+)\s+résultats?`),
	regexp.MustCompile(`(?i)Aproximadamente\s+([\d,.]+)\s+resultados?`),
	regexp.MustCompile(`(?i)Ungefähr\s+([\d,.]+)\s+Ergebnisse?`),
}

// citedByDigits pulls the first run of digits out of a "Cited by 123" /
// "Citado por 123" / "Cité 123 fois" / "Zitiert von: 123" label.
var citedByDigits = regexp.MustCompile(`(\d+)`)

var citesID = regexp.MustCompile(`cites=(\d+)`)

var yearInText = regexp.MustCompile(`\b(19|20)\d{2}\b`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// ParsePage extracts every result entry from one Scholar result page.
func ParsePage(rawHTML string) ([]model.ScrapedPaper, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	containers := findResultContainers(doc)

	papers := make([]model.ScrapedPaper, 0, len(containers))

	for _, c := range containers {
		if p, ok := parseContainer(c); ok {
			papers = append(papers, p)
		}
	}

	return papers, nil
}

// ExtractResultCount parses the "About N results" banner, trying each
// language pattern in turn and stopping at the first one that yields a
// positive integer.
func ExtractResultCount(rawHTML string) (int, bool) {
	for _, pattern := range resultCountPatterns {
		m := pattern.FindStringSubmatch(rawHTML)
		if m == nil {
			continue
		}

		clean := strings.Map(func(r rune) rune {
			if r == ',' || r == '.' || r == ' ' || r == '\t' || r == '\n' {
				return -1
			}

			return r
		}, m[1])

		count, err := strconv.Atoi(clean)
		if err != nil || count <= 0 {
			continue
		}

		return count, true
	}

	return 0, false
}

func findResultContainers(doc *html.Node) []*html.Node {
	for _, classSet := range resultContainerClasses {
		if found := findAll(doc, func(n *html.Node) bool { return hasAllClasses(n, classSet) }); len(found) > 0 {
			return found
		}
	}

	return findAll(doc, func(n *html.Node) bool { return getAttr(n, "data-cid") != "" })
}

func parseContainer(c *html.Node) (model.ScrapedPaper, bool) {
	titleNode := findFirst(c, func(n *html.Node) bool {
		return isAnchor(n) && hasAncestorClassWithin(n, c, "gs_rt")
	})

	if titleNode == nil {
		titleNode = findFirst(c, func(n *html.Node) bool { return n.Type == html.ElementNode && n.Data == "h3" })
		if titleNode != nil {
			if a := findFirst(titleNode, isAnchor); a != nil {
				titleNode = a
			}
		}
	}

	if titleNode == nil {
		return model.ScrapedPaper{}, false
	}

	title := normalizeSpace(textContent(titleNode))
	if title == "" {
		return model.ScrapedPaper{}, false
	}

	link := getAttr(titleNode, "href")

	clusterID := getAttr(c, "data-cid")

	authorsNode := findFirst(c, func(n *html.Node) bool { return hasClass(n, "gs_a") })

	authorsRaw := ""
	if authorsNode != nil {
		authorsRaw = normalizeSpace(textContent(authorsNode))
	}

	var year *int
	if m := yearInText.FindString(authorsRaw); m != "" {
		if y, err := strconv.Atoi(m); err == nil {
			year = &y
		}
	}

	venue := ""
	if parts := strings.SplitN(authorsRaw, " - ", 2); len(parts) > 1 {
		venue = strings.TrimRight(strings.TrimSpace(yearInText.ReplaceAllString(parts[1], "")), ",")
	}

	var profiles []model.AuthorProfile

	if authorsNode != nil {
		for _, a := range findAll(authorsNode, isAnchor) {
			href := getAttr(a, "href")
			name := normalizeSpace(textContent(a))

			if name == "" {
				continue
			}

			if strings.Contains(href, "citations?user=") {
				if strings.HasPrefix(href, "/") {
					href = "https://scholar.google.com" + href
				}

				profiles = append(profiles, model.AuthorProfile{Name: name, ProfileURL: href})
			} else if !strings.HasPrefix(href, "http") {
				profiles = append(profiles, model.AuthorProfile{Name: name})
			}
		}
	}

	abstract := ""
	if abstractNode := findFirst(c, func(n *html.Node) bool { return hasClass(n, "gs_rs") }); abstractNode != nil {
		abstract = normalizeSpace(textContent(abstractNode))
	}

	citationCount := 0
	externalID := clusterID

	if citedByNode := findFirst(c, func(n *html.Node) bool {
		return isAnchor(n) && strings.Contains(getAttr(n, "href"), "cites=")
	}); citedByNode != nil {
		citedText := normalizeSpace(textContent(citedByNode))
		if m := citedByDigits.FindStringSubmatch(citedText); m != nil {
			citationCount, _ = strconv.Atoi(m[1])
		}

		if m := citesID.FindStringSubmatch(getAttr(citedByNode, "href")); m != nil {
			externalID = m[1]
		}
	}

	if externalID == "" {
		externalID = title
	}

	return model.ScrapedPaper{
		ExternalResultID: externalID,
		ClusterID:        clusterID,
		Title:            title,
		AuthorsRaw:       authorsRaw,
		Year:             year,
		Venue:            venue,
		Abstract:         abstract,
		Link:             link,
		CitationCount:    citationCount,
		AuthorProfiles:   profiles,
	}, true
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func isAnchor(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "a"
}

func hasClass(n *html.Node, class string) bool {
	return hasAllClasses(n, []string{class})
}

func hasAllClasses(n *html.Node, classes []string) bool {
	if n.Type != html.ElementNode {
		return false
	}

	attr := getAttr(n, "class")
	if attr == "" {
		return false
	}

	present := make(map[string]bool)
	for _, c := range strings.Fields(attr) {
		present[c] = true
	}

	for _, c := range classes {
		if !present[c] {
			return false
		}
	}

	return true
}

// hasAncestorClassWithin reports whether n has an ancestor carrying class,
// searching no further up the tree than within (inclusive).
func hasAncestorClassWithin(n, within *html.Node, class string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if hasClass(p, class) {
			return true
		}

		if p == within {
			return false
		}
	}

	return false
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}

	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	collectText(n, &sb)

	return sb.String()
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteString(" ")
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node

	var walk func(*html.Node)

	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(root)

	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}

	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}

	return nil
}
