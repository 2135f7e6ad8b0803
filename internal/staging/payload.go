package staging

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/resolver"
)

// quote is one side of one market as read from a payload.
type quote struct {
	odds    *int
	line    *float64
	history []domain.HistoryEntry
}

// parsedPayload is the source-shape-independent view of one raw payload.
type parsedPayload struct {
	externalID string
	bookKey    string
	homeRaw    string
	awayRaw    string
	teamTier   string
	markets    map[domain.Market]map[domain.Side]quote
	fields     []string
}

// parsePayload reads one opaque raw payload into the normalized form.
// Payload shapes differ per provider; every extraction below tries each
// shape instead of assuming one. teamCode maps a numeric team id to the
// canonical code; nil falls back to the static league map alone.
func parsePayload(raw json.RawMessage, teamCode func(int) (string, bool)) (*parsedPayload, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if teamCode == nil {
		teamCode = staticTeamCode
	}

	p := &parsedPayload{markets: make(map[domain.Market]map[domain.Side]quote)}
	for key := range m {
		p.fields = append(p.fields, key)
	}
	sort.Strings(p.fields)

	p.externalID = firstString(m, "game_id", "external_id", "id", "gamePk")
	p.bookKey = firstString(m, "sportsbook", "sportsbook_id", "vendor", "book")

	p.homeRaw, p.awayRaw, p.teamTier = extractTeams(m, teamCode)

	extractMarkets(m, p)
	return p, nil
}

// ── Team waterfall ──

// staticTeamCode resolves a team id against the built-in league map only.
func staticTeamCode(id int) (string, bool) {
	t, ok := domain.TeamByLeagueID[id]
	return t.Code, ok
}

// extractTeams resolves raw team names through the tiered waterfall; the
// first tier that yields both names wins. The returned tier name is kept in
// lineage for debugging provider drift.
func extractTeams(m map[string]any, teamCode func(int) (string, bool)) (home, away, tier string) {
	// direct fields
	if h, a := asString(m["home_team"]), asString(m["away_team"]); h != "" && a != "" {
		return h, a, "direct"
	}

	// game sub-object
	if game, ok := m["game"].(map[string]any); ok {
		h := firstString(game, "home_team", "home")
		a := firstString(game, "away_team", "away")
		if h != "" && a != "" {
			return h, a, "game_object"
		}
	}

	// teams[] with is_home flags
	if teams, ok := m["teams"].([]any); ok {
		var h, a string
		for _, entry := range teams {
			team, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name := firstString(team, "name", "code", "team")
			if name == "" {
				continue
			}
			if isHome, _ := team["is_home"].(bool); isHome {
				h = name
			} else {
				a = name
			}
		}
		if h != "" && a != "" {
			return h, a, "teams_array"
		}
	}

	// numeric team ids through the id-to-code map
	if hid, ok := asInt(m["home_team_id"]); ok {
		if aid, ok := asInt(m["away_team_id"]); ok {
			ht, hok := teamCode(hid)
			at, aok := teamCode(aid)
			if hok && aok {
				return ht, at, "team_ids"
			}
		}
	}

	// last resort: any keys mentioning team + home/away
	var h, a string
	for key, val := range m {
		lower := strings.ToLower(key)
		if !strings.Contains(lower, "team") {
			continue
		}
		s := asString(val)
		if s == "" {
			continue
		}
		switch {
		case strings.Contains(lower, "home") && h == "":
			h = s
		case strings.Contains(lower, "away") && a == "":
			a = s
		}
	}
	if h != "" && a != "" {
		return h, a, "pattern"
	}
	return "", "", ""
}

// placeholderTeam derives an informative stand-in code when every waterfall
// tier failed. Placeholders never pass team validation, which marks the row
// partially valid instead of dropping it.
func placeholderTeam(side, externalID string) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(side), externalID)
}

// ── Market extraction ──

func extractMarkets(m map[string]any, p *parsedPayload) {
	// nested markets map: {"markets": {"spread": {"home": {...}, "away": {...}}}}
	if markets, ok := m["markets"].(map[string]any); ok {
		for marketName, sidesAny := range markets {
			market := domain.Market(strings.ToLower(marketName))
			sides, ok := sidesAny.(map[string]any)
			if !ok {
				continue
			}
			for sideName, quoteAny := range sides {
				side := domain.Side(strings.ToLower(sideName))
				if !domain.ValidSide(market, side) {
					continue
				}
				entry, ok := quoteAny.(map[string]any)
				if !ok {
					continue
				}
				q := quote{history: extractHistory(entry["history"])}
				if odds, ok := asInt(entry["odds"]); ok {
					q.odds = &odds
				}
				if line, ok := asFloat(entry["value"]); ok && market != domain.MarketMoneyline {
					q.line = &line
				}
				putQuote(p, market, side, q)
			}
		}
		return
	}

	marketLabel := strings.ToLower(asString(m["market"]))
	if marketLabel == "" {
		return
	}
	market := domain.Market(marketLabel)

	// single-sided record (scraped splits rows)
	if sideLabel := strings.ToLower(asString(m["side"])); sideLabel != "" {
		side := domain.Side(sideLabel)
		if !domain.ValidSide(market, side) {
			return
		}
		q := quote{}
		if odds, ok := asInt(m["odds"]); ok {
			q.odds = &odds
		}
		if line, ok := asFloat(m["line_value"]); ok && market != domain.MarketMoneyline {
			q.line = &line
		}
		putQuote(p, market, side, q)
		return
	}

	// flat two-sided record
	var line *float64
	if v, ok := asFloat(m["line_value"]); ok && market != domain.MarketMoneyline {
		line = &v
	}
	pairs := []struct {
		key  string
		side domain.Side
	}{
		{"home_odds", domain.SideHome},
		{"away_odds", domain.SideAway},
		{"over_odds", domain.SideOver},
		{"under_odds", domain.SideUnder},
	}
	for _, pair := range pairs {
		if !domain.ValidSide(market, pair.side) {
			continue
		}
		odds, ok := asInt(m[pair.key])
		if !ok {
			continue
		}
		o := odds
		putQuote(p, market, pair.side, quote{odds: &o, line: line, history: extractHistory(m["history"])})
	}
}

func putQuote(p *parsedPayload, market domain.Market, side domain.Side, q quote) {
	switch market {
	case domain.MarketMoneyline, domain.MarketSpread, domain.MarketTotal:
	default:
		return
	}
	if p.markets[market] == nil {
		p.markets[market] = make(map[domain.Side]quote)
	}
	p.markets[market][side] = q
}

func extractHistory(v any) []domain.HistoryEntry {
	entries, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []domain.HistoryEntry
	for _, entryAny := range entries {
		entry, ok := entryAny.(map[string]any)
		if !ok {
			continue
		}
		odds, ok := asInt(entry["odds"])
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, asString(entry["updated_at"]))
		if err != nil {
			continue
		}
		he := domain.HistoryEntry{Odds: odds, UpdatedAt: domain.ProjectTime(ts)}
		if v, ok := asFloat(entry["value"]); ok {
			he.Value = &v
		}
		out = append(out, he)
	}
	return out
}

// ── Resolver request ──

// resolveRequest builds the game-id resolution request for one parsed
// payload, using the standardized team names when available.
func (p *parsedPayload) resolveRequest(source string, collectedAt time.Time) resolver.Request {
	return resolver.Request{
		ExternalID: p.externalID,
		Source:     source,
		HomeTeam:   p.homeRaw,
		AwayTeam:   p.awayRaw,
		Date:       collectedAt,
	}
}

// ── Loose value helpers ──

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(n), "+"))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
