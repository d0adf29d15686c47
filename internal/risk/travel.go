package risk

import (
	"strings"
	"time"
)

// Sighting is a user seen at a location at a point in time.
type Sighting struct {
	Location string
	At       time.Time
}

// TravelPlausibilityChecker decides whether a user could have moved between
// two sightings. Implementations may use geocoding; the default compares
// location text only.
type TravelPlausibilityChecker interface {
	Plausible(from, to Sighting) bool
}

// LocationHeuristic treats a move as implausible when both the city and the
// country differ and less than Window elapsed between the sightings.
type LocationHeuristic struct {
	Window time.Duration
}

func (h LocationHeuristic) Plausible(from, to Sighting) bool {
	if city(from.Location) == city(to.Location) || country(from.Location) == country(to.Location) {
		return true
	}
	elapsed := to.At.Sub(from.At)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	return elapsed >= h.Window
}

// city is the text before the first comma, trimmed and case-folded.
func city(loc string) string {
	head, _, _ := strings.Cut(loc, ",")
	return normalize(head)
}

// country is the text after the last comma, trimmed and case-folded. A
// location without a comma is its own country.
func country(loc string) string {
	if i := strings.LastIndex(loc, ","); i >= 0 {
		return normalize(loc[i+1:])
	}
	return normalize(loc)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
