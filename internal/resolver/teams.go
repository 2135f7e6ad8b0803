package resolver

import (
	"strings"

	"github.com/oddstream/pipeline/internal/domain"
)

// curatedFuzzy maps known provider spellings that survive none of the
// structured matching tiers.
var curatedFuzzy = map[string]string{
	"la angels of anaheim":   "LAA",
	"anaheim angels":         "LAA",
	"chi. white sox":         "CWS",
	"chi. cubs":              "CHC",
	"st.louis":               "STL",
	"tampa":                  "TB",
	"sacramento athletics":   "OAK",
	"athletics (sacramento)": "OAK",
	"washington nats":        "WSH",
	"ny yankees":             "NYY",
	"ny mets":                "NYM",
}

// StandardizeTeam resolves a provider team name to the canonical 3-letter
// code. The waterfall is exact code, alias list, substring, curated fuzzy
// map; first success wins. exact reports whether the match came from the
// first two tiers. Unresolvable names return "".
func StandardizeTeam(name string) (code string, exact bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", false
	}

	upper := strings.ToUpper(trimmed)
	if _, ok := domain.TeamByCode[upper]; ok {
		return upper, true
	}

	lower := strings.ToLower(trimmed)
	for _, t := range domain.Teams {
		if strings.ToLower(t.Name) == lower {
			return t.Code, true
		}
		for _, alias := range t.Aliases {
			if strings.ToLower(alias) == lower {
				return t.Code, true
			}
		}
	}

	for _, t := range domain.Teams {
		if strings.Contains(strings.ToLower(t.Name), lower) || strings.Contains(lower, strings.ToLower(t.Name)) {
			return t.Code, false
		}
	}

	if code, ok := curatedFuzzy[lower]; ok {
		return code, false
	}
	return "", false
}
