package chronam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// maxPerDayRangeDays bounds the per-day strategy: one request per calendar
// day is only reasonable for ranges up to two years.
const maxPerDayRangeDays = 730

// defaultPageSize matches the archive's default rows-per-page.
const defaultPageSize = 20

// Search runs the strategy chain against the archive and returns the first
// page of results that any strategy yields:
//
//  1. advanced search with an explicit date range
//  2. per-day direct URL construction (ranges up to 730 days)
//  3. year-plus-month-as-keyword fallback
//  4. year-only fallback
//
// Results from strategies 2-4 are filtered client-side so the returned set
// lies strictly within [DateStart, DateEnd]. When both DateStart and an
// LCCN are given, DateStart is raised to the publication's earliest issue
// date and the adjustment is surfaced on the result.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.LCCN != "" && !ValidLCCN(req.LCCN) {
		return nil, errkind.New(errkind.Validation, "invalid LCCN %q", req.LCCN)
	}
	for _, d := range []string{req.DateStart, req.DateEnd} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(ISODate, d); err != nil {
			return nil, errkind.New(errkind.Validation, "invalid date %q: must be yyyy-mm-dd", d)
		}
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	var adjustment *DateAdjustment
	if req.LCCN != "" && req.DateStart != "" {
		earliest, source, err := c.EarliestIssueDate(ctx, req.LCCN)
		if err == nil && earliest > req.DateStart {
			adjustment = &DateAdjustment{Original: req.DateStart, Adjusted: earliest}
			req.DateStart = earliest
			c.logger.Info("pruned date range to earliest issue",
				"lccn", req.LCCN, "original", adjustment.Original,
				"adjusted", adjustment.Adjusted, "source", source)
		}
	}

	strategies := []struct {
		name string
		run  func(context.Context, SearchRequest) (*SearchResult, error)
	}{
		{"advanced", c.searchAdvanced},
		{"per_day", c.searchPerDay},
		{"year_month_keyword", c.searchYearMonthKeyword},
		{"year_keyword", c.searchYearKeyword},
	}

	var lastErr error
	for _, strat := range strategies {
		result, err := strat.run(ctx, req)
		if err != nil {
			if errkind.Is(err, errkind.Validation) {
				return nil, err
			}
			c.logger.Debug("search strategy failed", "strategy", strat.name, "error", err)
			lastErr = err
			continue
		}
		if result == nil || len(result.Items) == 0 {
			continue
		}
		result.Strategy = strat.name
		result.Adjustment = adjustment
		return result, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return &SearchResult{
		Items:      []PageMetadata{},
		Pagination: Pagination{CurrentPage: req.Page},
		Adjustment: adjustment,
	}, nil
}

// usFormat converts an ISO date to the archive's MM/DD/YYYY parameter form.
func usFormat(isoDate string) string {
	t, err := time.Parse(ISODate, isoDate)
	if err != nil {
		return isoDate
	}
	return t.Format(usDate)
}

// AdvancedSearchURL builds the strategy-1 request URL.
func (c *Client) AdvancedSearchURL(req SearchRequest) string {
	v := url.Values{}
	if req.Keywords != "" {
		v.Set("andtext", req.Keywords)
	}
	if req.State != "" {
		v.Set("state", req.State)
	}
	if req.LCCN != "" {
		v.Set("lccn", req.LCCN)
	}
	if req.DateStart != "" {
		v.Set("date1", usFormat(req.DateStart))
	}
	if req.DateEnd != "" {
		v.Set("date2", usFormat(req.DateEnd))
	}
	v.Set("dateFilterType", "range")
	v.Set("searchType", "advanced")
	v.Set("page", strconv.Itoa(req.Page))
	v.Set("rows", strconv.Itoa(req.PageSize))
	v.Set("format", "json")
	return c.baseURL + "/search/pages/results/?" + v.Encode()
}

// searchAdvanced is strategy 1: the archive's advanced search endpoint with
// an explicit MM/DD/YYYY date range.
func (c *Client) searchAdvanced(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	body, _, err := c.get(ctx, c.AdvancedSearchURL(req))
	if err != nil {
		return nil, err
	}
	return ParseSearchResponse(body, req.Page, req.PageSize)
}

// ParseSearchResponse decodes the archive's search-results JSON.
func ParseSearchResponse(body []byte, page, pageSize int) (*SearchResult, error) {
	var resp struct {
		TotalItems   int               `json:"totalItems"`
		ItemsPerPage int               `json:"itemsPerPage"`
		Items        []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errkind.New(errkind.CorruptData, "malformed search response: %v", err)
	}

	items := make([]PageMetadata, 0, len(resp.Items))
	for _, raw := range resp.Items {
		pm, err := parseSearchItem(raw)
		if err != nil {
			continue
		}
		items = append(items, pm)
	}

	perPage := resp.ItemsPerPage
	if perPage <= 0 {
		perPage = pageSize
	}
	totalPages := 0
	if perPage > 0 {
		totalPages = (resp.TotalItems + perPage - 1) / perPage
	}

	return &SearchResult{
		Items: items,
		Pagination: Pagination{
			CurrentPage: page,
			TotalPages:  totalPages,
			TotalItems:  resp.TotalItems,
		},
	}, nil
}

// parseSearchItem decodes one search-result item. The archive reports
// issue dates as compact YYYYMMDD strings.
func parseSearchItem(raw json.RawMessage) (PageMetadata, error) {
	var item struct {
		ID       string   `json:"id"`
		LCCN     string   `json:"lccn"`
		Title    string   `json:"title"`
		Date     string   `json:"date"`
		Edition  int      `json:"edition"`
		Sequence int      `json:"sequence"`
		State    []string `json:"state"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return PageMetadata{}, err
	}

	t, err := time.Parse("20060102", item.Date)
	if err != nil {
		return PageMetadata{}, fmt.Errorf("bad item date %q: %w", item.Date, err)
	}

	pm := PageMetadata{
		LCCN:      item.LCCN,
		Title:     item.Title,
		IssueDate: t.Format(ISODate),
		Edition:   item.Edition,
		Sequence:  item.Sequence,
		PageURL:   item.ID,
		Raw:       raw,
	}
	if pm.Edition == 0 {
		pm.Edition = 1
	}
	if len(item.State) > 0 {
		pm.State = item.State[0]
	}
	return pm, nil
}

// searchPerDay is strategy 2: construct the issue URL for every calendar
// day in range. Requires an LCCN and a range of at most 730 days. There is
// no day-of-week skipping: every day is considered.
func (c *Client) searchPerDay(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.LCCN == "" || req.DateStart == "" || req.DateEnd == "" {
		return nil, nil
	}
	start, _ := time.Parse(ISODate, req.DateStart)
	end, _ := time.Parse(ISODate, req.DateEnd)
	if end.Before(start) {
		return nil, errkind.New(errkind.Validation, "date_end %s before date_start %s", req.DateEnd, req.DateStart)
	}
	if int(end.Sub(start).Hours()/24) > maxPerDayRangeDays {
		return nil, nil
	}

	var items []PageMetadata
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		issueURL := fmt.Sprintf("%s/lccn/%s/%s/ed-1.json", c.baseURL, req.LCCN, day.Format(ISODate))
		body, _, err := c.get(ctx, issueURL)
		if err != nil {
			if errkind.Is(err, errkind.NotFound) {
				continue // no issue that day
			}
			return nil, err
		}
		dayItems, err := ParseIssueJSON(body, req.LCCN, day.Format(ISODate))
		if err != nil {
			c.logger.Debug("skipping malformed issue", "lccn", req.LCCN,
				"date", day.Format(ISODate), "error", err)
			continue
		}
		items = append(items, dayItems...)
	}

	items = FilterDateRange(items, req.DateStart, req.DateEnd)
	return paginate(items, req.Page, req.PageSize), nil
}

// ParseIssueJSON decodes a per-issue JSON document into page metadata.
func ParseIssueJSON(body []byte, lccn, issueDate string) ([]PageMetadata, error) {
	var issue struct {
		Title struct {
			Name string `json:"name"`
		} `json:"title"`
		Edition int `json:"edition"`
		Pages   []struct {
			URL      string `json:"url"`
			Sequence int    `json:"sequence"`
		} `json:"pages"`
	}
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, errkind.New(errkind.CorruptData, "malformed issue JSON: %v", err)
	}

	edition := issue.Edition
	if edition == 0 {
		edition = 1
	}

	items := make([]PageMetadata, 0, len(issue.Pages))
	for _, p := range issue.Pages {
		seq := p.Sequence
		if seq == 0 {
			seq = len(items) + 1
		}
		items = append(items, PageMetadata{
			LCCN:      lccn,
			Title:     issue.Title.Name,
			IssueDate: issueDate,
			Edition:   edition,
			Sequence:  seq,
			PageURL:   strings.TrimSuffix(p.URL, ".json"),
		})
	}
	return items, nil
}

// searchYearMonthKeyword is strategy 3: one advanced query per month in
// range with "<month name> <year>" folded into the keywords.
func (c *Client) searchYearMonthKeyword(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.DateStart == "" || req.DateEnd == "" {
		return nil, nil
	}
	start, _ := time.Parse(ISODate, req.DateStart)
	end, _ := time.Parse(ISODate, req.DateEnd)

	var items []PageMetadata
	for month := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !month.After(end); month = month.AddDate(0, 1, 0) {
		keywords := strings.TrimSpace(fmt.Sprintf("%s %s %d", req.Keywords, month.Month().String(), month.Year()))
		monthReq := req
		monthReq.Keywords = keywords
		monthReq.DateStart = ""
		monthReq.DateEnd = ""
		monthReq.Page = 1

		result, err := c.searchKeywordOnly(ctx, monthReq)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
	}

	items = FilterDateRange(items, req.DateStart, req.DateEnd)
	return paginate(items, req.Page, req.PageSize), nil
}

// searchYearKeyword is strategy 4: one query per year with the year folded
// into the keywords.
func (c *Client) searchYearKeyword(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.DateStart == "" || req.DateEnd == "" {
		return nil, nil
	}
	start, _ := time.Parse(ISODate, req.DateStart)
	end, _ := time.Parse(ISODate, req.DateEnd)

	var items []PageMetadata
	for year := start.Year(); year <= end.Year(); year++ {
		keywords := strings.TrimSpace(fmt.Sprintf("%s %d", req.Keywords, year))
		yearReq := req
		yearReq.Keywords = keywords
		yearReq.DateStart = ""
		yearReq.DateEnd = ""
		yearReq.Page = 1

		result, err := c.searchKeywordOnly(ctx, yearReq)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
	}

	items = FilterDateRange(items, req.DateStart, req.DateEnd)
	return paginate(items, req.Page, req.PageSize), nil
}

// searchKeywordOnly issues a basic search without date parameters.
func (c *Client) searchKeywordOnly(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	v := url.Values{}
	if req.Keywords != "" {
		v.Set("andtext", req.Keywords)
	}
	if req.State != "" {
		v.Set("state", req.State)
	}
	if req.LCCN != "" {
		v.Set("lccn", req.LCCN)
	}
	v.Set("page", strconv.Itoa(req.Page))
	v.Set("rows", strconv.Itoa(req.PageSize))
	v.Set("format", "json")

	body, _, err := c.get(ctx, c.baseURL+"/search/pages/results/?"+v.Encode())
	if err != nil {
		return nil, err
	}
	return ParseSearchResponse(body, req.Page, req.PageSize)
}

// FilterDateRange keeps items whose issue date lies within [start, end].
func FilterDateRange(items []PageMetadata, start, end string) []PageMetadata {
	if start == "" && end == "" {
		return items
	}
	out := make([]PageMetadata, 0, len(items))
	for _, item := range items {
		if start != "" && item.IssueDate < start {
			continue
		}
		if end != "" && item.IssueDate > end {
			continue
		}
		out = append(out, item)
	}
	return out
}

// paginate windows a full client-side result set into one result page.
func paginate(items []PageMetadata, page, pageSize int) *SearchResult {
	total := len(items)
	totalPages := (total + pageSize - 1) / pageSize

	startIdx := (page - 1) * pageSize
	if startIdx > total {
		startIdx = total
	}
	endIdx := startIdx + pageSize
	if endIdx > total {
		endIdx = total
	}

	return &SearchResult{
		Items: items[startIdx:endIdx],
		Pagination: Pagination{
			CurrentPage: page,
			TotalPages:  totalPages,
			TotalItems:  total,
		},
	}
}
