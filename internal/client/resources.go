package client

import (
	"net/url"
	"strings"
)

// Provider resource paths, relative to the base URL
const (
	LeaguesPath  = "leagues"
	AthletesPath = "athletes"
	EventsPath   = "events"
	RankingsPath = "rankings"
)

func escape(id string) string { return url.PathEscape(id) }

// LeaguePath is a single league
func LeaguePath(id string) string { return LeaguesPath + "/" + escape(id) }

// AthletePath is a single athlete
func AthletePath(id string) string { return AthletesPath + "/" + escape(id) }

// EventPath is a single event
func EventPath(id string) string { return EventsPath + "/" + escape(id) }

// EventFightsPath lists the bouts of one event
func EventFightsPath(eventID string) string { return EventPath(eventID) + "/fights" }

// FightPath is a single fight
func FightPath(id string) string { return "fights/" + escape(id) }

// FightOddsPath lists current odds lines for one fight
func FightOddsPath(fightID string) string { return FightPath(fightID) + "/odds" }

// FightStatsPath lists per-athlete statistics for one fight
func FightStatsPath(fightID string) string { return FightPath(fightID) + "/statistics" }

// resourceLabel collapses identifiers so metrics labels stay bounded:
// "events/123/fights" becomes "events/:id/fights"
func resourceLabel(resource string) string {
	path, _, _ := strings.Cut(resource, "?")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i += 2 {
		parts[i] = ":id"
	}
	return strings.Join(parts, "/")
}
