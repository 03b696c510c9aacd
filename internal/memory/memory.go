// Package memory provides the local memory storage for Xylem
package memory

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Type classifies what kind of knowledge a memory records.
type Type string

const (
	TypeObservation    Type = "observation"
	TypeDecision       Type = "decision"
	TypeSessionSummary Type = "session_summary"
	TypeUserPrompt     Type = "user_prompt"
	TypeNote           Type = "note"
	TypeTodo           Type = "todo"
)

// Visibility controls whether a memory appears in default search/listing.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Validation errors. Detected before any write and surfaced synchronously.
var (
	ErrInvalidImportance = errors.New("importance must be between 1 and 10")
	ErrInvalidType       = errors.New("invalid memory type")
	ErrInvalidVisibility = errors.New("invalid visibility")
	ErrEmptyTitle        = errors.New("title must not be empty")
	ErrEmptyContent      = errors.New("content must not be empty")

	// ErrConstraint wraps constraint violations reported by the storage engine.
	ErrConstraint = errors.New("storage constraint violated")
)

// Memory is a single persisted knowledge record.
type Memory struct {
	ID          int64      `json:"id"`
	Type        Type       `json:"type"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Facts       []string   `json:"facts,omitempty"`
	Concepts    []string   `json:"concepts,omitempty"`
	SourceFiles []string   `json:"source_files,omitempty"`
	Importance  int        `json:"importance"`
	Visibility  Visibility `json:"visibility"`
	Phase       string     `json:"phase,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AccessedAt  time.Time  `json:"accessed_at"`
	AccessCount int        `json:"access_count"`
}

// Input carries the caller-supplied fields for a new memory.
// ID and timestamps are assigned by the store. A nil Importance means
// "use the default"; an explicit value, including 0, is validated as given.
type Input struct {
	Type        Type       `json:"type"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Facts       []string   `json:"facts,omitempty"`
	Concepts    []string   `json:"concepts,omitempty"`
	SourceFiles []string   `json:"source_files,omitempty"`
	Importance  *int       `json:"importance,omitempty"`
	Visibility  Visibility `json:"visibility,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
}

// defaultImportance applies when a caller omits importance entirely.
// Matches the schema column default.
const defaultImportance = 5

func importanceOrDefault(p *int) int {
	if p == nil {
		return defaultImportance
	}
	return *p
}

// Update is a partial field patch. Nil fields are left untouched.
// Type and CreatedAt are immutable and cannot appear here.
type Update struct {
	Title       *string     `json:"title,omitempty"`
	Content     *string     `json:"content,omitempty"`
	Facts       *[]string   `json:"facts,omitempty"`
	Concepts    *[]string   `json:"concepts,omitempty"`
	SourceFiles *[]string   `json:"source_files,omitempty"`
	Importance  *int        `json:"importance,omitempty"`
	Visibility  *Visibility `json:"visibility,omitempty"`
	Phase       *string     `json:"phase,omitempty"`
	SessionID   *string     `json:"session_id,omitempty"`
}

// MatchType records which retrieval method surfaced a search result.
type MatchType string

const (
	MatchFTS    MatchType = "fts"
	MatchVector MatchType = "vector"
	MatchHybrid MatchType = "hybrid"
)

// SearchOptions configures a Manager search.
type SearchOptions struct {
	Query          string  `json:"query"`
	Limit          int     `json:"limit,omitempty"`
	Types          []Type  `json:"types,omitempty"`
	MinImportance  int     `json:"min_importance,omitempty"`
	IncludePrivate bool    `json:"include_private,omitempty"`
	// LexicalWeight and VectorWeight blend the two retrieval signals.
	// Both zero means the default blend (lexical-heavy).
	LexicalWeight float64 `json:"lexical_weight,omitempty"`
	VectorWeight  float64 `json:"vector_weight,omitempty"`
}

// SearchResult is a memory plus ranking provenance. Score is "higher is
// better" regardless of which signal produced it.
type SearchResult struct {
	Memory    *Memory   `json:"memory"`
	Score     float64   `json:"score"`
	MatchType MatchType `json:"match_type"`
}

// Filters restricts SearchFTS and Count to a subset of rows.
type Filters struct {
	Types          []Type
	MinImportance  int
	IncludePrivate bool
}

func validType(t Type) bool {
	switch t {
	case TypeObservation, TypeDecision, TypeSessionSummary, TypeUserPrompt, TypeNote, TypeTodo:
		return true
	}
	return false
}

// Validate checks an Input before any write. Out-of-range importance is
// rejected, not clamped.
func (in *Input) Validate() error {
	if !validType(in.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}
	if in.Title == "" {
		return ErrEmptyTitle
	}
	if in.Content == "" {
		return ErrEmptyContent
	}
	if in.Importance != nil && (*in.Importance < 1 || *in.Importance > 10) {
		return fmt.Errorf("%w: got %d", ErrInvalidImportance, *in.Importance)
	}
	switch in.Visibility {
	case "", VisibilityPublic, VisibilityPrivate:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidVisibility, in.Visibility)
	}
	return nil
}

// Validate checks an Update patch. Only set fields are checked.
func (u *Update) Validate() error {
	if u.Title != nil && *u.Title == "" {
		return ErrEmptyTitle
	}
	if u.Content != nil && *u.Content == "" {
		return ErrEmptyContent
	}
	if u.Importance != nil && (*u.Importance < 1 || *u.Importance > 10) {
		return fmt.Errorf("%w: got %d", ErrInvalidImportance, *u.Importance)
	}
	if u.Visibility != nil {
		switch *u.Visibility {
		case VisibilityPublic, VisibilityPrivate:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidVisibility, *u.Visibility)
		}
	}
	return nil
}

// NormalizeImportance maps caller-side importance conventions onto the
// store's 1-10 scale. Fractional values in (0,1) are rescaled (0.8 -> 8);
// integral values pass through unchanged. Values that land outside [1,10]
// are rejected, never clamped.
func NormalizeImportance(v float64) (int, error) {
	if v > 0 && v < 1 {
		v = math.Round(v * 10)
	}
	n := int(v)
	if float64(n) != v || n < 1 || n > 10 {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidImportance, v)
	}
	return n, nil
}
