// Package geo groups map-displayed plans by proximity for rendering at a
// given zoom level.
package geo

import (
	"math"
	"sort"
	"strings"
)

const (
	// DefaultThreshold scales the view span into a merge distance.
	DefaultThreshold = 0.05

	// noClusterFloor: below this view span the map is zoomed in far enough
	// that every plan renders individually.
	noClusterFloor = 0.01
)

// Item is one clusterable map annotation.
type Item struct {
	ID  string
	Lat float64
	Lng float64
}

// ClusterGroup is a set of items merged for display, with a stable identity
// and a centroid at the arithmetic mean of member coordinates.
type ClusterGroup struct {
	ID      string
	Lat     float64
	Lng     float64
	Members []Item
}

// Singleton reports whether the group holds exactly one item.
func (g ClusterGroup) Singleton() bool { return len(g.Members) == 1 }

// Cluster greedily groups items whose Euclidean coordinate distance to a
// cluster seed is strictly below viewSpan*threshold. A non-positive
// threshold falls back to DefaultThreshold. Below the no-cluster floor every
// item is its own singleton.
//
// This is single-linkage against the seed only, not full hierarchical
// clustering: members are never compared to each other, so cluster shape
// depends on input order. That is accepted; n is the visible-plan count of
// one viewport and O(n²) is fine.
func Cluster(items []Item, viewSpan, threshold float64) []ClusterGroup {
	if len(items) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if viewSpan < noClusterFloor {
		out := make([]ClusterGroup, 0, len(items))
		for _, it := range items {
			out = append(out, newGroup([]Item{it}))
		}
		return out
	}

	distanceThreshold := viewSpan * threshold

	remaining := append([]Item(nil), items...)
	var out []ClusterGroup

	for len(remaining) > 0 {
		seed := remaining[0]
		members := []Item{seed}
		rest := remaining[:0]

		for _, it := range remaining[1:] {
			if distance(seed, it) < distanceThreshold {
				members = append(members, it)
			} else {
				rest = append(rest, it)
			}
		}

		remaining = rest
		out = append(out, newGroup(members))
	}

	return out
}

// newGroup derives the stable identity and centroid. The id of a multi-item
// group is the lexicographically sorted, hyphen-joined member ids so the
// same membership yields the same id across re-renders (no UI flicker).
func newGroup(members []Item) ClusterGroup {
	var sumLat, sumLng float64
	ids := make([]string, 0, len(members))
	for _, m := range members {
		sumLat += m.Lat
		sumLng += m.Lng
		ids = append(ids, m.ID)
	}

	id := ids[0]
	if len(ids) > 1 {
		sort.Strings(ids)
		id = strings.Join(ids, "-")
	}

	n := float64(len(members))
	return ClusterGroup{
		ID:      id,
		Lat:     sumLat / n,
		Lng:     sumLng / n,
		Members: members,
	}
}

func distance(a, b Item) float64 {
	return math.Hypot(a.Lat-b.Lat, a.Lng-b.Lng)
}
