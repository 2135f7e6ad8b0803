package domain

// Sportsbook is one entry in the fixed sportsbook reference set.
// ExternalIDs maps source name to that source's id for the book.
type Sportsbook struct {
	ID          int               `json:"id"`
	Name        string            `json:"name"`
	ExternalIDs map[string]string `json:"external_ids"`
	Active      bool              `json:"active"`
}

// Sportsbooks seeds the reference table. The DB copy is authoritative once
// migrated; this map only backs the initial seed and offline tests.
var Sportsbooks = []Sportsbook{
	{ID: 1, Name: "DraftKings", ExternalIDs: map[string]string{"oddsapi": "draftkings", "covers": "dk", "linehistory": "68"}, Active: true},
	{ID: 2, Name: "FanDuel", ExternalIDs: map[string]string{"oddsapi": "fanduel", "covers": "fd", "linehistory": "69"}, Active: true},
	{ID: 3, Name: "BetMGM", ExternalIDs: map[string]string{"oddsapi": "betmgm", "covers": "mgm", "linehistory": "71"}, Active: true},
	{ID: 4, Name: "Caesars", ExternalIDs: map[string]string{"oddsapi": "williamhill_us", "covers": "czr", "linehistory": "139"}, Active: true},
	{ID: 5, Name: "BetRivers", ExternalIDs: map[string]string{"oddsapi": "betrivers", "covers": "br", "linehistory": "75"}, Active: true},
	{ID: 6, Name: "Pinnacle", ExternalIDs: map[string]string{"oddsapi": "pinnacle", "covers": "pin", "linehistory": "8"}, Active: true},
	{ID: 7, Name: "Bovada", ExternalIDs: map[string]string{"oddsapi": "bovada", "covers": "bov", "linehistory": "999"}, Active: false},
}
