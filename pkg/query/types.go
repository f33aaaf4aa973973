// Package query defines the values shared by the executor, scheduler and
// batch layers: query kinds, requests, results and progress events.
package query

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Kind selects the lookup endpoint family.
type Kind string

const (
	// KindByName performs a streamed partial-name search.
	KindByName Kind = "name"

	// KindByExactName performs a streamed exact-name search.
	KindByExactName Kind = "exactName"

	// KindByID performs a single-shot national ID (CPF) lookup.
	KindByID Kind = "cpf"
)

// ParseKind converts a user-supplied kind name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "name":
		return KindByName, nil
	case "exactname", "exact", "exact-name":
		return KindByExactName, nil
	case "cpf", "id":
		return KindByID, nil
	default:
		return "", fmt.Errorf("unknown query kind %q", s)
	}
}

// Streaming reports whether responses for this kind arrive as a stream of
// progress records rather than a single payload.
func (k Kind) Streaming() bool {
	return k == KindByName || k == KindByExactName
}

// Path returns the endpoint path for the given search term. ID terms must
// already be normalized.
func (k Kind) Path(term string) (string, error) {
	switch k {
	case KindByName:
		return "/get-person-by-name/" + url.PathEscape(term), nil
	case KindByExactName:
		return "/get-person-by-exact-name/" + url.PathEscape(term), nil
	case KindByID:
		return "/get-person-by-cpf/" + term, nil
	default:
		return "", fmt.Errorf("unknown query kind %q", string(k))
	}
}

// Target identifies the remote query server.
type Target struct {
	Host string
	Port int
	TLS  bool
}

// Validate checks that the target can be dialled.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got %d)", t.Port)
	}
	return nil
}

// BaseURL returns scheme://host:port for the target.
func (t Target) BaseURL() string {
	scheme := "http"
	if t.TLS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(strings.TrimSpace(t.Host), strconv.Itoa(t.Port))
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return net.JoinHostPort(strings.TrimSpace(t.Host), strconv.Itoa(t.Port))
}

// Request is one immutable query submission. It is created by the scheduler
// and never mutated afterwards.
type Request struct {
	// ID is unique per submission.
	ID string

	Kind       Kind
	SearchTerm string
	Target     Target

	// Sequence is a monotonic per-scheduler counter used for log correlation.
	Sequence uint64
}

// Result is one person record as returned by the remote service.
type Result struct {
	ID        string `json:"cpf"`
	FullName  string `json:"nome"`
	Sex       string `json:"sexo"`
	BirthDate string `json:"nasc"`
}

// Progress is a progress notification for a single query.
type Progress struct {
	QueryID string
	Percent float64
	Status  string
	Message string

	// Results holds the partial or final results known so far.
	Results []Result

	// Final marks the terminal success event. It always carries Percent 100.
	Final bool
}
