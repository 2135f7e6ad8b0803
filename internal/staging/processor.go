// Package staging transforms raw provider payloads into the unified
// staging shape: one consolidated row per (game, sportsbook, processing
// time), historical odds points expanded, lineage and quality attached.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
	"github.com/oddstream/pipeline/internal/resolver"
)

const (
	processorName    = "unified_staging_processor"
	processorVersion = "2.1"
)

// RawStore reads and marks raw rows.
type RawStore interface {
	// Unprocessed returns raw rows not yet represented in staging, oldest
	// first, plus rows whose collected_at is newer than their processed_at.
	Unprocessed(ctx context.Context, limit int) ([]domain.RawRecord, error)
	MarkProcessed(ctx context.Context, ids []int64, at time.Time) error
}

// StagingStore writes unified rows.
type StagingStore interface {
	// DeleteByRawIDs removes staging rows keyed to the raw rows, making
	// re-processing idempotent per raw row.
	DeleteByRawIDs(ctx context.Context, rawIDs []int64) (int64, error)
	InsertBatch(ctx context.Context, rows []*domain.StagingRow) error
}

// PointStore writes historical odds points.
type PointStore interface {
	UpsertBatch(ctx context.Context, points []*domain.OddsPoint) error
}

// GameResolver is the slice of the resolver the processor needs.
type GameResolver interface {
	BatchResolve(ctx context.Context, requests []resolver.Request) (map[string]resolver.Resolution, resolver.BatchStats, error)
}

// BookLookup resolves a source-specific sportsbook key to the reference
// entry. The store-backed implementation is authoritative; found=false
// falls through to the Unknown placeholder.
type BookLookup interface {
	BySourceKey(ctx context.Context, source, externalKey string) (*domain.Sportsbook, bool, error)
}

// TeamLookup maps a source's numeric team id to the canonical code when the
// static league map has no entry for it. May be nil in tests.
type TeamLookup interface {
	CodeBySourceID(ctx context.Context, source string, externalID int) (string, bool, error)
}

// Stats summarizes one processing batch.
type Stats struct {
	RawRows     int `json:"raw_rows"`
	StagingRows int `json:"staging_rows"`
	OddsPoints  int `json:"odds_points"`
	Invalid     int `json:"invalid_rows"`
	Unresolved  int `json:"unresolved_games"`
}

// Processor is the raw→staging pipeline stage.
type Processor struct {
	raw     RawStore
	staging StagingStore
	points  PointStore
	games   GameResolver
	books   BookLookup
	teams   TeamLookup
	logger  *slog.Logger

	batchSize int
	now       func() time.Time
}

func NewProcessor(raw RawStore, staging StagingStore, points PointStore, games GameResolver, books BookLookup, teams TeamLookup, logger *slog.Logger) *Processor {
	return &Processor{
		raw:       raw,
		staging:   staging,
		points:    points,
		games:     games,
		books:     books,
		teams:     teams,
		logger:    logger,
		batchSize: 500,
		now:       time.Now,
	}
}

// Run processes batches on a fixed interval until the context ends.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	p.logger.Info("staging processor starting", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("staging processor stopped")
			return
		case <-ticker.C:
			stats, err := p.ProcessBatch(ctx)
			if err != nil {
				p.logger.Error("staging batch failed", "error", err)
				continue
			}
			if stats.RawRows > 0 {
				p.logger.Info("staging batch complete", "raw_rows", stats.RawRows,
					"staging_rows", stats.StagingRows, "odds_points", stats.OddsPoints,
					"invalid", stats.Invalid, "unresolved", stats.Unresolved)
			}
		}
	}
}

// builder accumulates one consolidated staging row while raw rows for the
// same (source, game, sportsbook) key merge into it.
type builder struct {
	row     *domain.StagingRow
	markets map[domain.Market]map[domain.Side]quote
	rawIDs  []int64
	fields  map[string]bool
	checks  []string
	request resolver.Request
}

// ProcessBatch drains one batch of unprocessed raw rows into staging.
func (p *Processor) ProcessBatch(ctx context.Context) (Stats, error) {
	var stats Stats

	rawRows, err := p.raw.Unprocessed(ctx, p.batchSize)
	if err != nil {
		return stats, fmt.Errorf("load unprocessed raw rows: %w", err)
	}
	if len(rawRows) == 0 {
		return stats, nil
	}
	stats.RawRows = len(rawRows)
	processedAt := domain.ProjectTime(p.now())

	builders := make(map[string]*builder)
	var order []string
	var rawIDs []int64

	for i := range rawRows {
		raw := &rawRows[i]
		rawIDs = append(rawIDs, raw.ID)
		if err := p.foldRawRow(ctx, builders, &order, raw, processedAt); err != nil {
			p.logger.Warn("raw row skipped", "raw_id", raw.ID, "source", raw.Source, "error", err)
		}
	}

	// Attach canonical game ids in one batch.
	var requests []resolver.Request
	for _, key := range order {
		requests = append(requests, builders[key].request)
	}
	resolutions, batchStats, err := p.games.BatchResolve(ctx, requests)
	if err != nil {
		p.logger.Error("batch game resolution failed", "error", err)
		resolutions = map[string]resolver.Resolution{}
	} else {
		p.logger.Debug("game resolution", "cache_hit_rate", batchStats.CacheHitRate,
			"api_calls_avoided", batchStats.APICallsAvoided)
	}

	var (
		rows   []*domain.StagingRow
		points []*domain.OddsPoint
	)
	for _, key := range order {
		b := builders[key]
		p.finishRow(b, resolutions)

		if b.row.CanonicalGameID == nil {
			stats.Unresolved++
		}
		if b.row.ValidationStatus == domain.ValidationInvalid {
			stats.Invalid++
		}
		rows = append(rows, b.row)
		points = append(points, p.expandPoints(b)...)
	}
	stats.StagingRows = len(rows)
	stats.OddsPoints = len(points)

	// Delete-then-insert keyed to the raw rows makes re-processing a raw
	// row replace its previous staging output.
	if _, err := p.staging.DeleteByRawIDs(ctx, rawIDs); err != nil {
		return stats, fmt.Errorf("delete superseded staging rows: %w", err)
	}
	if err := p.staging.InsertBatch(ctx, rows); err != nil {
		return stats, fmt.Errorf("insert staging rows: %w", err)
	}
	if len(points) > 0 {
		if err := p.points.UpsertBatch(ctx, points); err != nil {
			return stats, fmt.Errorf("upsert odds points: %w", err)
		}
	}
	if err := p.raw.MarkProcessed(ctx, rawIDs, processedAt); err != nil {
		return stats, fmt.Errorf("mark raw rows processed: %w", err)
	}
	return stats, nil
}

// foldRawRow parses one raw row and merges it into its consolidation
// builder. Merging fills absent fields only; present values never get
// overwritten.
func (p *Processor) foldRawRow(ctx context.Context, builders map[string]*builder, order *[]string, raw *domain.RawRecord, processedAt time.Time) error {
	parsed, err := parsePayload(raw.Payload, p.teamCode(ctx, raw.Source))
	if err != nil {
		return err
	}
	if parsed.externalID == "" {
		parsed.externalID = raw.ExternalID
	}
	if parsed.externalID == "" {
		return fmt.Errorf("no external game id in payload or row metadata")
	}
	if parsed.bookKey == "" {
		parsed.bookKey = raw.SportsbookKey
	}

	key := raw.Source + "|" + parsed.externalID + "|" + parsed.bookKey
	b, ok := builders[key]
	if !ok {
		b = p.newBuilder(ctx, raw, parsed, processedAt)
		builders[key] = b
		*order = append(*order, key)
	}

	b.rawIDs = append(b.rawIDs, raw.ID)
	if raw.CollectedAt.After(b.row.CollectedAt) {
		b.row.CollectedAt = raw.CollectedAt
	}
	for _, f := range parsed.fields {
		b.fields[f] = true
	}
	for market, sides := range parsed.markets {
		if b.markets[market] == nil {
			b.markets[market] = make(map[domain.Side]quote)
		}
		for side, q := range sides {
			if _, present := b.markets[market][side]; !present {
				b.markets[market][side] = q
			}
		}
	}
	return nil
}

func (p *Processor) newBuilder(ctx context.Context, raw *domain.RawRecord, parsed *parsedPayload, processedAt time.Time) *builder {
	row := &domain.StagingRow{
		Source:         raw.Source,
		Collector:      raw.Collector,
		GameExternalID: parsed.externalID,
		SportsbookKey:  parsed.bookKey,
		CollectedAt:    raw.CollectedAt,
		ProcessedAt:    processedAt,
	}

	b := &builder{
		row:     row,
		markets: make(map[domain.Market]map[domain.Side]quote),
		fields:  make(map[string]bool),
		request: parsed.resolveRequest(raw.Source, raw.CollectedAt),
	}

	p.resolveSportsbook(ctx, b, raw.Source, parsed.bookKey)
	p.resolveTeams(b, parsed)
	return b
}

// teamCode builds the id-to-code lookup for one source: the static league
// map first, then the reference table for ids it does not carry.
func (p *Processor) teamCode(ctx context.Context, source string) func(int) (string, bool) {
	return func(id int) (string, bool) {
		if t, ok := domain.TeamByLeagueID[id]; ok {
			return t.Code, true
		}
		if p.teams == nil {
			return "", false
		}
		code, found, err := p.teams.CodeBySourceID(ctx, source, id)
		if err != nil {
			p.logger.Warn("team id lookup failed", "source", source, "team_id", id, "error", err)
			return "", false
		}
		return code, found
	}
}

func (p *Processor) resolveSportsbook(ctx context.Context, b *builder, source, bookKey string) {
	b.checks = append(b.checks, "sportsbook_lookup")
	if bookKey == "" {
		b.row.SportsbookName = domain.UnknownSportsbookName(source)
		return
	}
	book, found, err := p.books.BySourceKey(ctx, source, bookKey)
	if err != nil {
		p.logger.Warn("sportsbook lookup failed", "source", source, "key", bookKey, "error", err)
	}
	if !found || book == nil {
		b.row.SportsbookName = domain.UnknownSportsbookName(bookKey)
		return
	}
	b.row.SportsbookID = book.ID
	b.row.SportsbookName = book.Name
}

func (p *Processor) resolveTeams(b *builder, parsed *parsedPayload) {
	b.checks = append(b.checks, "team_waterfall:"+orLabel(parsed.teamTier, "none"))

	home, _ := resolver.StandardizeTeam(parsed.homeRaw)
	away, _ := resolver.StandardizeTeam(parsed.awayRaw)
	if home == "" {
		home = placeholderTeam("home", parsed.externalID)
	}
	if away == "" || away == home {
		// Equal codes would trip the staging table's home<>away constraint;
		// the placeholder keeps the row storable and flags it invalid.
		away = placeholderTeam("away", parsed.externalID)
	}
	b.row.HomeTeam = home
	b.row.AwayTeam = away
}

// finishRow computes the derived fields once every contributing raw row has
// been merged: market label, canonical game id, lineage, quality,
// validation.
func (p *Processor) finishRow(b *builder, resolutions map[string]resolver.Resolution) {
	row := b.row

	p.consolidate(b)

	if res, ok := resolutions[row.GameExternalID]; ok && res.Resolved() {
		id := res.CanonicalID
		row.CanonicalGameID = &id
	}

	var fields []string
	for f := range b.fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	row.Lineage = domain.Lineage{
		RawTable:      "raw_data." + row.Source,
		RawID:         b.rawIDs[0],
		Processor:     processorName,
		Version:       processorVersion,
		TransformedAt: row.ProcessedAt,
		SourceFields:  fields,
		QualityChecks: b.checks,
	}

	row.ValidationErrors = domain.RequiredStagingErrors(row)
	if err := domain.ValidateTeamCode(row.HomeTeam); err != nil {
		row.ValidationErrors = append(row.ValidationErrors, err.Error())
	}
	if err := domain.ValidateTeamCode(row.AwayTeam); err != nil {
		row.ValidationErrors = append(row.ValidationErrors, err.Error())
	}
	if len(row.ValidationErrors) == 0 {
		row.ValidationStatus = domain.ValidationValid
	} else {
		row.ValidationStatus = domain.ValidationInvalid
	}

	row.QualityScore = p.scoreQuality(b)
}

// consolidate populates the unified odds columns from the merged market
// quotes and derives the market_type label in fixed market order.
func (p *Processor) consolidate(b *builder) {
	row := b.row
	var labels []string

	for _, market := range domain.MarketOrder {
		sides, ok := b.markets[market]
		if !ok || len(sides) == 0 {
			continue
		}
		labels = append(labels, string(market))
		b.checks = append(b.checks, "consolidate:"+string(market))

		switch market {
		case domain.MarketMoneyline:
			if q, ok := sides[domain.SideHome]; ok {
				row.MoneylineHome = q.odds
			}
			if q, ok := sides[domain.SideAway]; ok {
				row.MoneylineAway = q.odds
			}
		case domain.MarketSpread:
			if q, ok := sides[domain.SideHome]; ok {
				row.SpreadHomeOdds = q.odds
				row.SpreadLine = q.line
			}
			if q, ok := sides[domain.SideAway]; ok {
				row.SpreadAwayOdds = q.odds
				if row.SpreadLine == nil {
					row.SpreadLine = q.line
				}
			}
		case domain.MarketTotal:
			if q, ok := sides[domain.SideOver]; ok {
				row.TotalOverOdds = q.odds
				row.TotalLine = q.line
			}
			if q, ok := sides[domain.SideUnder]; ok {
				row.TotalUnderOdds = q.odds
				if row.TotalLine == nil {
					row.TotalLine = q.line
				}
			}
		}
	}
	row.MarketType = strings.Join(labels, "+")
}

// ── Historical expansion ──

// expandPoints emits one odds point per history entry per side, falling
// back to a single current-snapshot point for sides without history. The
// latest point per side is flagged current.
func (p *Processor) expandPoints(b *builder) []*domain.OddsPoint {
	var out []*domain.OddsPoint
	row := b.row

	for _, market := range domain.MarketOrder {
		sides, ok := b.markets[market]
		if !ok {
			continue
		}
		for _, side := range domain.SidesFor(market) {
			q, ok := sides[side]
			if !ok {
				continue
			}

			if len(q.history) > 0 {
				for i, entry := range q.history {
					point := &domain.OddsPoint{
						CanonicalGameID: row.CanonicalGameID,
						GameExternalID:  row.GameExternalID,
						SportsbookKey:   row.SportsbookKey,
						Market:          market,
						Side:            side,
						Odds:            entry.Odds,
						EffectiveAt:     entry.UpdatedAt,
						IsCurrent:       i == len(q.history)-1,
					}
					if market != domain.MarketMoneyline {
						if entry.Value != nil {
							point.LineValue = entry.Value
						} else {
							point.LineValue = q.line
						}
					}
					if err := domain.ValidateOddsPoint(point); err != nil {
						p.logger.Warn("odds point dropped", "game", row.GameExternalID,
							"market", market, "side", side, "error", err)
						continue
					}
					out = append(out, point)
				}
				continue
			}

			if q.odds == nil {
				continue
			}
			point := &domain.OddsPoint{
				CanonicalGameID: row.CanonicalGameID,
				GameExternalID:  row.GameExternalID,
				SportsbookKey:   row.SportsbookKey,
				Market:          market,
				Side:            side,
				Odds:            *q.odds,
				EffectiveAt:     domain.ProjectTime(b.request.Date),
				IsCurrent:       true,
			}
			if market != domain.MarketMoneyline {
				point.LineValue = q.line
			}
			if err := domain.ValidateOddsPoint(point); err != nil {
				p.logger.Warn("odds point dropped", "game", row.GameExternalID,
					"market", market, "side", side, "error", err)
				continue
			}
			out = append(out, point)
		}
	}
	return out
}

// ── Quality scoring ──

// scoreQuality computes the weighted quality score: completeness 0.4,
// accuracy 0.3, consistency 0.3.
func (p *Processor) scoreQuality(b *builder) float64 {
	row := b.row
	b.checks = append(b.checks, "quality_score")

	required := []string{row.GameExternalID, row.SportsbookName, row.HomeTeam, row.AwayTeam, row.Source, row.MarketType}
	populated := 0
	for _, field := range required {
		if field != "" {
			populated++
		}
	}
	completeness := float64(populated) / float64(len(required))

	accuracy := 1.0
	if domain.IsUnknownSportsbook(row.SportsbookName) {
		accuracy -= 0.2
	}
	if domain.ValidateTeamCode(row.HomeTeam) != nil || domain.ValidateTeamCode(row.AwayTeam) != nil {
		accuracy -= 0.3
	}
	if anyOddsOutOfRange(row) {
		accuracy -= 0.1
	}

	consistency := 1.0
	if row.HasMarket(domain.MarketMoneyline) && row.MoneylineHome == nil && row.MoneylineAway == nil {
		consistency -= 0.3
	}
	if row.HasMarket(domain.MarketSpread) && row.SpreadHomeOdds == nil && row.SpreadAwayOdds == nil {
		consistency -= 0.3
	}
	if row.HasMarket(domain.MarketTotal) && row.TotalOverOdds == nil && row.TotalUnderOdds == nil {
		consistency -= 0.3
	}

	score := 0.4*clampZero(completeness) + 0.3*clampZero(accuracy) + 0.3*clampZero(consistency)
	return score
}

func anyOddsOutOfRange(row *domain.StagingRow) bool {
	for _, odds := range []*int{
		row.MoneylineHome, row.MoneylineAway,
		row.SpreadHomeOdds, row.SpreadAwayOdds,
		row.TotalOverOdds, row.TotalUnderOdds,
	} {
		if odds != nil && !domain.OddsInRange(*odds) {
			return true
		}
	}
	return false
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func orLabel(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
