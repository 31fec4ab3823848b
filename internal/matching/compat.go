package matching

import (
	"strings"

	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/registry"
)

// Wildcard is the explicit "no preference" filter value. An empty value means
// the same thing.
const Wildcard = "any"

func isWildcard(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, Wildcard)
}

func fieldMatches(want, have string) bool {
	if isWildcard(want) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have))
}

// Accepts reports whether a searcher with filters f would accept a partner
// with profile p.
func Accepts(f protocol.Filters, p registry.Profile) bool {
	return fieldMatches(f.Gender, p.Gender) &&
		fieldMatches(f.Country, p.Location.Country) &&
		fieldMatches(f.City, p.Location.City) &&
		fieldMatches(f.Area, p.Location.Area)
}

// Compatible reports whether x and y accept each other.
func Compatible(x, y QueueEntry) bool {
	return Accepts(x.Filters, y.Profile) && Accepts(y.Filters, x.Profile)
}

// HasLocation reports whether any location filter is set.
func HasLocation(f protocol.Filters) bool {
	return !isWildcard(f.Country) || !isWildcard(f.City) || !isWildcard(f.Area)
}

// StripLocation drops the location filters, keeping gender.
func StripLocation(f protocol.Filters) protocol.Filters {
	return protocol.Filters{Gender: f.Gender}
}
