package domain

import (
	"fmt"
	"time"
)

// Market is a betting market.
type Market string

const (
	MarketMoneyline Market = "moneyline"
	MarketSpread    Market = "spread"
	MarketTotal     Market = "total"
)

// Side is a bet side within a market.
type Side string

const (
	SideHome  Side = "home"
	SideAway  Side = "away"
	SideOver  Side = "over"
	SideUnder Side = "under"
)

// MarketOrder fixes the order markets appear in combined market_type labels.
var MarketOrder = []Market{MarketMoneyline, MarketSpread, MarketTotal}

// SidesFor returns the allowed sides for a market.
func SidesFor(m Market) []Side {
	switch m {
	case MarketTotal:
		return []Side{SideOver, SideUnder}
	case MarketMoneyline, MarketSpread:
		return []Side{SideHome, SideAway}
	default:
		return nil
	}
}

// ValidSide reports whether the side belongs to the market.
func ValidSide(m Market, s Side) bool {
	for _, allowed := range SidesFor(m) {
		if s == allowed {
			return true
		}
	}
	return false
}

// American odds sanity bounds. Anything outside is counted against the
// accuracy component of the quality score, not rejected.
const (
	MinAmericanOdds = -5000
	MaxAmericanOdds = 5000
)

// OddsInRange reports whether an American odds value is inside sanity bounds.
func OddsInRange(odds int) bool {
	return odds >= MinAmericanOdds && odds <= MaxAmericanOdds
}

// projectLocation is the canonical zone all instants are stored and compared in.
var projectLocation = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}

// ProjectTime converts an instant into the canonical project zone and
// truncates sub-microsecond precision.
func ProjectTime(t time.Time) time.Time {
	return t.In(projectLocation).Truncate(time.Microsecond)
}

// ProjectNow returns the current instant in the canonical project zone.
func ProjectNow() time.Time {
	return ProjectTime(time.Now())
}
