package searchclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/thereferee/harvester/internal/model"
)

const resultsPerPage = 10

// maxConsecutivePageFailures stops a fetch_citing_pages sweep after this
// many pages in a row fail to parse or fetch (§4.2).
const maxConsecutivePageFailures = 3

// Filters narrows a citing-pages sweep to a year range and/or language.
type Filters struct {
	YearLow        int
	YearHigh       int
	LanguageFilter string // e.g. "en" or pipe-separated "en|es|fr"
	AdditionalQuery string // intitle:"..." OR ... exclusion/inclusion clause
}

// SearchResult is one page of a plain keyword search.
type SearchResult struct {
	Papers        []model.ScrapedPaper
	ReportedTotal int
}

// Search issues a single keyword search (first page only) against Scholar,
// returning the parsed results and the reported total result count.
func (c *Client) Search(ctx context.Context, query, lang string, yearLow, yearHigh int) (SearchResult, error) {
	u := buildScholarURL(query, lang, Filters{YearLow: yearLow, YearHigh: yearHigh}, 0)

	html, err := c.FetchResultPage(ctx, u)
	if err != nil {
		return SearchResult{}, fmt.Errorf("searchclient: search: %w", err)
	}

	papers, err := ParsePage(html)
	if err != nil {
		return SearchResult{}, fmt.Errorf("searchclient: search: parse: %w", err)
	}

	total, _ := ExtractResultCount(html)

	return SearchResult{Papers: papers, ReportedTotal: total}, nil
}

// CountOnly issues a lightweight query and returns only the reported result
// count, without parsing individual result rows (§4.2: "count_only").
// externalID may be empty for a plain keyword count; non-empty ties the
// count to a specific edition's citing-works query ("cites=").
func (c *Client) CountOnly(ctx context.Context, externalID, query string, filters Filters) (int, error) {
	u := buildCitingURL(externalID, query, filters, 0)

	html, err := c.FetchResultPage(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("searchclient: count_only: %w", err)
	}

	count, ok := ExtractResultCount(html)
	if !ok {
		return 0, nil
	}

	return count, nil
}

// OnPageFunc is called once per fetched, parsed page of citing results.
type OnPageFunc func(page int, papers []model.ScrapedPaper, reportedTotal int) error

// OnPageFailedFunc is called when a page could not be fetched or parsed.
type OnPageFailedFunc func(page int, err error)

// FetchCitingPages pages through every result citing externalID, invoking
// onPage for each parsed page and onPageFailed for each failure. It stops on
// reaching maxResults, an empty page, or three consecutive page failures
// (§4.2).
func (c *Client) FetchCitingPages(
	ctx context.Context,
	externalID string,
	filters Filters,
	startPage int,
	maxResults int,
	onPage OnPageFunc,
	onPageFailed OnPageFailedFunc,
) error {
	consecutiveFailures := 0
	fetched := 0

	for page := startPage; ; page++ {
		if maxResults > 0 && fetched >= maxResults {
			return nil
		}

		u := buildCitingURL(externalID, "", filters, page)

		html, err := c.FetchResultPage(ctx, u)
		if err != nil {
			consecutiveFailures++
			onPageFailed(page, err)

			if consecutiveFailures >= maxConsecutivePageFailures {
				return fmt.Errorf("searchclient: fetch_citing_pages: %d consecutive page failures: %w", consecutiveFailures, err)
			}

			continue
		}

		papers, err := ParsePage(html)
		if err != nil {
			consecutiveFailures++
			onPageFailed(page, err)

			if consecutiveFailures >= maxConsecutivePageFailures {
				return fmt.Errorf("searchclient: fetch_citing_pages: %d consecutive page failures: %w", consecutiveFailures, err)
			}

			continue
		}

		consecutiveFailures = 0

		if len(papers) == 0 {
			return nil
		}

		reportedTotal, _ := ExtractResultCount(html)

		if err := onPage(page, papers, reportedTotal); err != nil {
			return fmt.Errorf("searchclient: fetch_citing_pages: page callback: %w", err)
		}

		fetched += len(papers)
	}
}

// VerifyLastPage re-fetches the page expected to contain the tail of the
// result set (page at max(0, expected-10)/resultsPerPage) to confirm the
// harvest actually reached the end Scholar reports (§4.2).
func (c *Client) VerifyLastPage(ctx context.Context, externalID string, expected int, filters Filters) ([]model.ScrapedPaper, error) {
	offset := expected - resultsPerPage
	if offset < 0 {
		offset = 0
	}

	page := offset / resultsPerPage

	u := buildCitingURL(externalID, "", filters, page)

	html, err := c.FetchResultPage(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("searchclient: verify_last_page: %w", err)
	}

	papers, err := ParsePage(html)
	if err != nil {
		return nil, fmt.Errorf("searchclient: verify_last_page: parse: %w", err)
	}

	return papers, nil
}

func buildScholarURL(query, lang string, filters Filters, page int) string {
	v := url.Values{}
	v.Set("q", query)

	if lang != "" {
		v.Set("hl", lang)
		v.Set("lr", "lang_"+lang)
	}

	v.Set("as_sdt", "0,5")

	applyYearFilters(v, filters)

	if page > 0 {
		v.Set("start", strconv.Itoa(page*resultsPerPage))
	}

	return "https://scholar.google.com/scholar?" + v.Encode()
}

func buildCitingURL(externalID, query string, filters Filters, page int) string {
	v := url.Values{}
	v.Set("hl", "en")
	v.Set("scipsc", "1")

	if externalID != "" {
		v.Set("cites", externalID)
	}

	q := query
	if filters.AdditionalQuery != "" {
		if q != "" {
			q += " " + filters.AdditionalQuery
		} else {
			q = filters.AdditionalQuery
		}
	}

	if q != "" {
		v.Set("q", q)
	}

	if filters.LanguageFilter != "" {
		v.Set("lr", buildLangParam(filters.LanguageFilter))
	}

	applyYearFilters(v, filters)

	if page > 0 {
		v.Set("start", strconv.Itoa(page*resultsPerPage))
	}

	return "https://scholar.google.com/scholar?" + v.Encode()
}

func buildLangParam(languageFilter string) string {
	langs := strings.Split(languageFilter, "|")
	for i, l := range langs {
		langs[i] = "lang_" + l
	}

	return strings.Join(langs, "|")
}

func applyYearFilters(v url.Values, filters Filters) {
	if filters.YearLow > 0 {
		v.Set("as_ylo", strconv.Itoa(filters.YearLow))
	}

	if filters.YearHigh > 0 {
		v.Set("as_yhi", strconv.Itoa(filters.YearHigh))
	}
}
