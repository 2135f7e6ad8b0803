package domain

// Teams is the fixed MLB reference set. Codes are the canonical 3-letter
// abbreviations; LeagueID is the schedule API's team id.
var Teams = []Team{
	{Code: "ARI", Name: "Arizona Diamondbacks", Aliases: []string{"Diamondbacks", "D-backs", "Arizona"}, Division: "NL West", LeagueID: 109},
	{Code: "ATL", Name: "Atlanta Braves", Aliases: []string{"Braves", "Atlanta"}, Division: "NL East", LeagueID: 144},
	{Code: "BAL", Name: "Baltimore Orioles", Aliases: []string{"Orioles", "Baltimore", "O's"}, Division: "AL East", LeagueID: 110},
	{Code: "BOS", Name: "Boston Red Sox", Aliases: []string{"Red Sox", "Boston"}, Division: "AL East", LeagueID: 111},
	{Code: "CHC", Name: "Chicago Cubs", Aliases: []string{"Cubs", "Chi Cubs"}, Division: "NL Central", LeagueID: 112},
	{Code: "CWS", Name: "Chicago White Sox", Aliases: []string{"White Sox", "Chi White Sox", "CHW"}, Division: "AL Central", LeagueID: 145},
	{Code: "CIN", Name: "Cincinnati Reds", Aliases: []string{"Reds", "Cincinnati"}, Division: "NL Central", LeagueID: 113},
	{Code: "CLE", Name: "Cleveland Guardians", Aliases: []string{"Guardians", "Cleveland", "Indians"}, Division: "AL Central", LeagueID: 114},
	{Code: "COL", Name: "Colorado Rockies", Aliases: []string{"Rockies", "Colorado"}, Division: "NL West", LeagueID: 115},
	{Code: "DET", Name: "Detroit Tigers", Aliases: []string{"Tigers", "Detroit"}, Division: "AL Central", LeagueID: 116},
	{Code: "HOU", Name: "Houston Astros", Aliases: []string{"Astros", "Houston"}, Division: "AL West", LeagueID: 117},
	{Code: "KC", Name: "Kansas City Royals", Aliases: []string{"Royals", "Kansas City", "KCR"}, Division: "AL Central", LeagueID: 118},
	{Code: "LAA", Name: "Los Angeles Angels", Aliases: []string{"Angels", "LA Angels", "ANA"}, Division: "AL West", LeagueID: 108},
	{Code: "LAD", Name: "Los Angeles Dodgers", Aliases: []string{"Dodgers", "LA Dodgers"}, Division: "NL West", LeagueID: 119},
	{Code: "MIA", Name: "Miami Marlins", Aliases: []string{"Marlins", "Miami", "FLA"}, Division: "NL East", LeagueID: 146},
	{Code: "MIL", Name: "Milwaukee Brewers", Aliases: []string{"Brewers", "Milwaukee"}, Division: "NL Central", LeagueID: 158},
	{Code: "MIN", Name: "Minnesota Twins", Aliases: []string{"Twins", "Minnesota"}, Division: "AL Central", LeagueID: 142},
	{Code: "NYM", Name: "New York Mets", Aliases: []string{"Mets", "NY Mets"}, Division: "NL East", LeagueID: 121},
	{Code: "NYY", Name: "New York Yankees", Aliases: []string{"Yankees", "NY Yankees"}, Division: "AL East", LeagueID: 147},
	{Code: "OAK", Name: "Oakland Athletics", Aliases: []string{"Athletics", "Oakland", "A's", "ATH"}, Division: "AL West", LeagueID: 133},
	{Code: "PHI", Name: "Philadelphia Phillies", Aliases: []string{"Phillies", "Philadelphia"}, Division: "NL East", LeagueID: 143},
	{Code: "PIT", Name: "Pittsburgh Pirates", Aliases: []string{"Pirates", "Pittsburgh"}, Division: "NL Central", LeagueID: 134},
	{Code: "SD", Name: "San Diego Padres", Aliases: []string{"Padres", "San Diego", "SDP"}, Division: "NL West", LeagueID: 135},
	{Code: "SEA", Name: "Seattle Mariners", Aliases: []string{"Mariners", "Seattle"}, Division: "AL West", LeagueID: 136},
	{Code: "SF", Name: "San Francisco Giants", Aliases: []string{"Giants", "San Francisco", "SFG"}, Division: "NL West", LeagueID: 137},
	{Code: "STL", Name: "St. Louis Cardinals", Aliases: []string{"Cardinals", "St Louis", "St. Louis"}, Division: "NL Central", LeagueID: 138},
	{Code: "TB", Name: "Tampa Bay Rays", Aliases: []string{"Rays", "Tampa Bay", "TBR"}, Division: "AL East", LeagueID: 139},
	{Code: "TEX", Name: "Texas Rangers", Aliases: []string{"Rangers", "Texas"}, Division: "AL West", LeagueID: 140},
	{Code: "TOR", Name: "Toronto Blue Jays", Aliases: []string{"Blue Jays", "Toronto", "Jays"}, Division: "AL East", LeagueID: 141},
	{Code: "WSH", Name: "Washington Nationals", Aliases: []string{"Nationals", "Washington", "WSN"}, Division: "NL East", LeagueID: 120},
}

// TeamByCode indexes the reference set by canonical code.
var TeamByCode = func() map[string]Team {
	m := make(map[string]Team, len(Teams))
	for _, t := range Teams {
		m[t.Code] = t
	}
	return m
}()

// TeamByLeagueID indexes the reference set by schedule API team id.
var TeamByLeagueID = func() map[int]Team {
	m := make(map[int]Team, len(Teams))
	for _, t := range Teams {
		m[t.LeagueID] = t
	}
	return m
}()
