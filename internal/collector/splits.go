package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/oddstream/pipeline/internal/domain"
)

// ── Parse rules ──

// splitsLayout declares the fixed column layout of one provider's splits
// table. Column indexes are positions of <td> cells inside a body row.
type splitsLayout struct {
	TableClass string
	GameIDCol  int
	AwayCol    int
	HomeCol    int
	MarketCol  int
	SideCol    int
	OddsCol    int
	BetPctCol  int
	MoneyPct   int
	MinCells   int
}

// coversLayout matches the public betting-splits page as served today.
// A layout change here is exactly the schema drift the analyzer watches for.
var coversLayout = splitsLayout{
	TableClass: "covers-splits",
	GameIDCol:  0,
	AwayCol:    1,
	HomeCol:    2,
	MarketCol:  3,
	SideCol:    4,
	OddsCol:    5,
	BetPctCol:  6,
	MoneyPct:   7,
	MinCells:   8,
}

// splitRecord is the normalized form of one scraped row.
type splitRecord struct {
	GameID   string  `json:"game_id"`
	AwayTeam string  `json:"away_team"`
	HomeTeam string  `json:"home_team"`
	Market   string  `json:"market"`
	Side     string  `json:"side"`
	Odds     *int    `json:"odds,omitempty"`
	BetPct   float64 `json:"bet_pct"`
	MoneyPct float64 `json:"money_pct"`
}

// ── SplitsCollector ──

// SplitsCollector scrapes public betting splits from an HTML page.
type SplitsCollector struct {
	fetch   *fetcher
	baseURL string
	layout  splitsLayout
	logger  *slog.Logger
}

func NewSplitsCollector(baseURL string, logger *slog.Logger) *SplitsCollector {
	return &SplitsCollector{
		fetch: newFetcher("covers", 30*time.Second, providerHeaders{
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
			Referer:   baseURL,
			Origin:    baseURL,
		}),
		baseURL: baseURL,
		layout:  coversLayout,
		logger:  logger,
	}
}

func (c *SplitsCollector) Name() string   { return "SplitsCollector" }
func (c *SplitsCollector) Source() string { return "covers" }

func (c *SplitsCollector) TestConnection(ctx context.Context) bool {
	_, err := c.fetch.get(ctx, c.baseURL+"/sports/mlb/betting-splits")
	if err != nil {
		c.logger.Warn("splits probe failed", "error", err)
		return false
	}
	return true
}

func (c *SplitsCollector) Collect(ctx context.Context, params Params) (*domain.CollectionResult, error) {
	started := time.Now()
	date := params.GameDate()

	url := fmt.Sprintf("%s/sports/mlb/betting-splits?date=%s", c.baseURL, providerDate(date))
	body, err := c.fetch.get(ctx, url)
	if err != nil {
		c.logger.Error("splits collect failed", "date", providerDate(date), "error", err)
		return failureResult(c.Source(), c.Name(), started, 1, err), err
	}

	records, warnings, err := parseSplits(body, c.layout)
	if err != nil {
		cerr := domain.NewCollectError(domain.ErrSchema, c.Source(), "parse splits page", err)
		res := failureResult(c.Source(), c.Name(), started, 1, cerr)
		res.SchemaValid = false
		return res, cerr
	}

	result := &domain.CollectionResult{
		Source:         c.Source(),
		Collector:      c.Name(),
		Success:        true,
		Data:           make([]json.RawMessage, 0, len(records)),
		Warnings:       warnings,
		Timestamp:      domain.ProjectNow(),
		ResponseTimeMS: time.Since(started).Milliseconds(),
		RequestCount:   1,
		SchemaValid:    len(warnings) == 0,
		FreshnessScore: 1.0, // the page serves live splits only
	}
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		result.Data = append(result.Data, raw)
	}

	c.logger.Info("splits collected", "date", providerDate(date),
		"records", len(result.Data), "warnings", len(result.Warnings))
	return result, nil
}

func (c *SplitsCollector) Cleanup() {
	c.fetch.client.CloseIdleConnections()
}

// ── HTML parsing ──

// parseSplits walks the document for the provider table and converts each
// body row per the declared layout. Malformed rows become warnings, not
// errors; a missing table is a schema error.
func parseSplits(body []byte, layout splitsLayout) ([]splitRecord, []string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}

	table := findTable(doc, layout.TableClass)
	if table == nil {
		return nil, nil, fmt.Errorf("splits table %q not found", layout.TableClass)
	}

	var (
		records  []splitRecord
		warnings []string
	)
	for i, row := range tableRows(table) {
		cells := rowCells(row)
		if len(cells) < layout.MinCells {
			warnings = append(warnings, fmt.Sprintf("row %d: %d cells, want %d", i, len(cells), layout.MinCells))
			continue
		}

		rec := splitRecord{
			GameID:   cells[layout.GameIDCol],
			AwayTeam: cells[layout.AwayCol],
			HomeTeam: cells[layout.HomeCol],
			Market:   strings.ToLower(cells[layout.MarketCol]),
			Side:     strings.ToLower(cells[layout.SideCol]),
		}
		if rec.GameID == "" || rec.HomeTeam == "" || rec.AwayTeam == "" {
			warnings = append(warnings, fmt.Sprintf("row %d: missing identity cells", i))
			continue
		}

		if odds, err := strconv.Atoi(strings.TrimPrefix(cells[layout.OddsCol], "+")); err == nil {
			rec.Odds = &odds
		}
		rec.BetPct = parsePct(cells[layout.BetPctCol])
		rec.MoneyPct = parsePct(cells[layout.MoneyPct])

		records = append(records, rec)
	}
	return records, warnings, nil
}

func findTable(n *html.Node, class string) *html.Node {
	if n.Type == html.ElementNode && n.Data == "table" {
		for _, attr := range n.Attr {
			if attr.Key == "class" && containsClass(attr.Val, class) {
				return n
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findTable(child, class); found != nil {
			return found
		}
	}
	return nil
}

func containsClass(val, class string) bool {
	for _, part := range strings.Fields(val) {
		if part == class {
			return true
		}
	}
	return false
}

// tableRows returns the <tr> nodes under <tbody>, or directly under the
// table when the markup carries no tbody.
func tableRows(table *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(n *html.Node, inHead bool)
	walk = func(n *html.Node, inHead bool) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			switch {
			case child.Type == html.ElementNode && child.Data == "thead":
				continue
			case child.Type == html.ElementNode && child.Data == "tr" && !inHead:
				rows = append(rows, child)
			default:
				walk(child, inHead)
			}
		}
	}
	walk(table, false)
	return rows
}

func rowCells(row *html.Node) []string {
	var cells []string
	for child := row.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && (child.Data == "td" || child.Data == "th") {
			cells = append(cells, strings.TrimSpace(nodeText(child)))
		}
	}
	return cells
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		sb.WriteString(nodeText(child))
	}
	return sb.String()
}

func parsePct(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
