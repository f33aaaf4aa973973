package cache

import (
	"strings"

	"github.com/Sternrassler/lookup-client/pkg/query"
)

// CacheKey identifies the cached results of one query.
type CacheKey struct {
	// Target is the server address (host:port).
	Target string

	Kind query.Kind

	// Term is the normalized search term.
	Term string
}

// String generates a deterministic cache key string.
// Format: lookup:kind:target:term
//
// Fuzzy name terms are case-folded and whitespace-collapsed so that
// "maria  silva" and "Maria Silva" share an entry. Exact-name and ID terms
// are kept as given.
func (k CacheKey) String() string {
	term := k.Term
	if k.Kind == query.KindByName {
		term = strings.ToLower(strings.Join(strings.Fields(term), " "))
	}
	return strings.Join([]string{"lookup", string(k.Kind), k.Target, term}, ":")
}
