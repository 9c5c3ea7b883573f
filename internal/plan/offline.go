package plan

import "time"

// offlinePlans is the static fallback catalog used when no remote store is
// configured and the local catalog is empty. Start times are derived from
// "now" so the sample plans always render as upcoming.
func offlinePlans(now time.Time) []Plan {
	return []Plan{
		{
			ID:          "offline-coffee",
			HostUserID:  "demo-host",
			Title:       "Morning coffee",
			Description: "Slow start, good espresso.",
			StartsAt:    now.Add(3 * time.Hour),
			Latitude:    40.7291,
			Longitude:   -73.9965,
			Emoji:       "☕",
			Activity:    ActivityFood,
			AddressText: "Washington Square Park",
			HostName:    "Demo Host",
		},
		{
			ID:          "offline-run",
			HostUserID:  "demo-host",
			Title:       "River loop run",
			Description: "Easy 5k along the water.",
			StartsAt:    now.Add(26 * time.Hour),
			Latitude:    40.7154,
			Longitude:   -74.0117,
			Emoji:       "🏃",
			Activity:    ActivitySports,
			AddressText: "Hudson River Greenway",
			HostName:    "Demo Host",
		},
		{
			ID:          "offline-boardgames",
			HostUserID:  "demo-friend",
			Title:       "Board game night",
			Description: "Bring snacks.",
			StartsAt:    now.Add(50 * time.Hour),
			Latitude:    40.6782,
			Longitude:   -73.9442,
			Emoji:       "🎲",
			Activity:    ActivityGames,
			AddressText: "Brooklyn",
			IsPrivate:   true,
			HostName:    "Demo Friend",
		},
	}
}
