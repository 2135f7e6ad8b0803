// Package schedule wraps the authoritative league schedule API. Canonical
// game ids (gamePk) come from here and nowhere else.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oddstream/pipeline/internal/domain"
)

// Game is one schedule entry.
type Game struct {
	GamePk     int64     `json:"gamePk"`
	GameDate   time.Time `json:"gameDate"`
	Season     int       `json:"season"`
	HomeTeamID int       `json:"homeTeamId"`
	AwayTeamID int       `json:"awayTeamId"`
	HomeTeam   string    `json:"homeTeam"`
	AwayTeam   string    `json:"awayTeam"`
	Status     string    `json:"status"`
}

// HomeCode returns the canonical code for the home team, empty if unknown.
func (g *Game) HomeCode() string {
	if t, ok := domain.TeamByLeagueID[g.HomeTeamID]; ok {
		return t.Code
	}
	return ""
}

// AwayCode returns the canonical code for the away team, empty if unknown.
func (g *Game) AwayCode() string {
	if t, ok := domain.TeamByLeagueID[g.AwayTeamID]; ok {
		return t.Code
	}
	return ""
}

// wire shapes for the schedule API response
type scheduleResponse struct {
	Dates []struct {
		Date  string `json:"date"`
		Games []struct {
			GamePk   int64  `json:"gamePk"`
			GameDate string `json:"gameDate"`
			Season   string `json:"season"`
			Status   struct {
				DetailedState string `json:"detailedState"`
			} `json:"status"`
			Teams struct {
				Home struct {
					Team struct {
						ID   int    `json:"id"`
						Name string `json:"name"`
					} `json:"team"`
				} `json:"home"`
				Away struct {
					Team struct {
						ID   int    `json:"id"`
						Name string `json:"name"`
					} `json:"team"`
				} `json:"away"`
			} `json:"teams"`
		} `json:"games"`
	} `json:"dates"`
}

const cacheTTL = 30 * 24 * time.Hour

// Client fetches the schedule with a rolling per-date cache.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedDay

	now func() time.Time
}

type cachedDay struct {
	games     []Game
	fetchedAt time.Time
}

// NewClient creates a schedule client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		cache:   make(map[string]cachedDay),
		now:     time.Now,
	}
}

// GamesOn returns the schedule for one date, served from the rolling cache
// when fresh.
func (c *Client) GamesOn(ctx context.Context, date time.Time) ([]Game, error) {
	key := date.Format("2006-01-02")

	c.mu.Lock()
	if day, ok := c.cache[key]; ok && c.now().Sub(day.fetchedAt) < cacheTTL {
		games := day.games
		c.mu.Unlock()
		return games, nil
	}
	c.mu.Unlock()

	games, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = cachedDay{games: games, fetchedAt: c.now()}
	c.mu.Unlock()
	return games, nil
}

// GamesAround returns the schedule for center ± days, used when a source
// sighting carries no reliable date.
func (c *Client) GamesAround(ctx context.Context, center time.Time, days int) ([]Game, error) {
	var out []Game
	for offset := -days; offset <= days; offset++ {
		games, err := c.GamesOn(ctx, center.AddDate(0, 0, offset))
		if err != nil {
			return nil, err
		}
		out = append(out, games...)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, date string) ([]Game, error) {
	url := fmt.Sprintf("%s/schedule?sportId=1&date=%s&hydrate=team", c.baseURL, date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build schedule request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch schedule: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("schedule api returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed scheduleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}

	var games []Game
	for _, day := range parsed.Dates {
		for _, g := range day.Games {
			gameDate, err := time.Parse(time.RFC3339, g.GameDate)
			if err != nil {
				c.logger.Warn("unparseable game date", "game_pk", g.GamePk, "value", g.GameDate)
				continue
			}
			season := 0
			fmt.Sscanf(g.Season, "%d", &season)
			games = append(games, Game{
				GamePk:     g.GamePk,
				GameDate:   domain.ProjectTime(gameDate),
				Season:     season,
				HomeTeamID: g.Teams.Home.Team.ID,
				AwayTeamID: g.Teams.Away.Team.ID,
				HomeTeam:   g.Teams.Home.Team.Name,
				AwayTeam:   g.Teams.Away.Team.Name,
				Status:     g.Status.DetailedState,
			})
		}
	}

	c.logger.Debug("schedule fetched", "date", date, "games", len(games))
	return games, nil
}
