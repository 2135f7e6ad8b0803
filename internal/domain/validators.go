package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var teamCodeRegex = regexp.MustCompile(`^[A-Z]{2,3}$`)

// ValidateTeamCode checks a canonical team code against the reference set.
func ValidateTeamCode(code string) error {
	if code == "" {
		return fmt.Errorf("team code is required")
	}
	if !teamCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid team code format: %s", code)
	}
	if _, ok := TeamByCode[code]; !ok {
		return fmt.Errorf("unknown team code: %s", code)
	}
	return nil
}

// ValidateOddsPoint enforces the per-point invariants: side belongs to
// market, and moneyline points carry no line value.
func ValidateOddsPoint(p *OddsPoint) error {
	if !ValidSide(p.Market, p.Side) {
		return fmt.Errorf("side %s not allowed for market %s", p.Side, p.Market)
	}
	if p.Market == MarketMoneyline && p.LineValue != nil {
		return fmt.Errorf("moneyline point must not carry a line value")
	}
	if p.GameExternalID == "" {
		return fmt.Errorf("game external id is required")
	}
	if p.EffectiveAt.IsZero() {
		return fmt.Errorf("effective instant is required")
	}
	return nil
}

// RequiredStagingErrors returns the list of required-field violations for a
// staging row. An empty list means the row is valid.
func RequiredStagingErrors(r *StagingRow) []string {
	var errs []string
	if r.Source == "" {
		errs = append(errs, "source is required")
	}
	if r.Collector == "" {
		errs = append(errs, "collector attribution is required")
	}
	if r.GameExternalID == "" {
		errs = append(errs, "game external id is required")
	}
	if r.SportsbookName == "" {
		errs = append(errs, "sportsbook name is required")
	}
	if r.HomeTeam == "" || r.AwayTeam == "" {
		errs = append(errs, "both team codes are required")
	}
	if r.HomeTeam != "" && r.HomeTeam == r.AwayTeam {
		errs = append(errs, "home and away teams must differ")
	}
	if r.MarketType == "" {
		errs = append(errs, "market_type is required")
	}
	if r.HasMarket(MarketMoneyline) && r.MoneylineHome == nil && r.MoneylineAway == nil {
		errs = append(errs, "market_type claims moneyline but no moneyline odds present")
	}
	if r.HasMarket(MarketSpread) && r.SpreadHomeOdds == nil && r.SpreadAwayOdds == nil {
		errs = append(errs, "market_type claims spread but no spread odds present")
	}
	if r.HasMarket(MarketTotal) && r.TotalOverOdds == nil && r.TotalUnderOdds == nil {
		errs = append(errs, "market_type claims total but no total odds present")
	}
	return errs
}

// UnknownSportsbookName builds the placeholder used when an external
// sportsbook id has no mapping.
func UnknownSportsbookName(externalID string) string {
	return "Unknown_" + externalID
}

// IsUnknownSportsbook reports whether a sportsbook name is a placeholder.
func IsUnknownSportsbook(name string) bool {
	return strings.Contains(strings.ToLower(name), "unknown")
}
