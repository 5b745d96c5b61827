package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrSessionNotFound is returned for unknown, discarded or expired sessions
	ErrSessionNotFound = errors.New("reconciliation session not found")
	// ErrLineNotFound is returned when a line index is out of range
	ErrLineNotFound = errors.New("receipt line not found")
	// ErrItemNotInPool is returned when repointing to an item the session does not know
	ErrItemNotInPool = errors.New("item is not an unchecked list item")
	// ErrNothingToCommit is returned when no line has a target item
	ErrNothingToCommit = errors.New("no matched lines to commit")
)

// State is the position of a Match in its lifecycle
type State string

const (
	StateUnmatched   State = "unmatched"
	StateAutoMatched State = "auto_matched"
	StateIgnored     State = "ignored"
	StateRepointed   State = "repointed"
	StateCreatedNew  State = "created_new"
)

// Match pairs a receipt line with at most one list item. Lines without a
// target are excluded from commit.
type Match struct {
	State      State   `json:"state"`
	TargetID   *int64  `json:"target_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// HasTarget reports whether the match points at a list item
func (m Match) HasTarget() bool {
	return m.TargetID != nil
}

func target(id int64) *int64 {
	return &id
}

// Candidate is an unchecked list item that receipt lines can be matched to
type Candidate struct {
	ID     int64     `json:"id"`
	Name   string    `json:"name"`
	Vector []float64 `json:"-"`
}

// LineItem is one analyzed receipt line
type LineItem struct {
	Name        string    `json:"name"`
	Price       float64   `json:"price"`
	Description string    `json:"description,omitempty"`
	Embedding   []float64 `json:"-"`
}

// Line is a receipt line and its current match
type Line struct {
	Index int      `json:"index"`
	Item  LineItem `json:"item"`
	Match Match    `json:"match"`
}

// BulkEntry records one item created by a bulk-create action
type BulkEntry struct {
	Line   int   `json:"line"`
	ItemID int64 `json:"item_id"`
}

// Session holds the state of one analysis-review run. It is never persisted
// beyond its session store and is discarded on commit or close.
type Session struct {
	ID          string      `json:"id"`
	Date        string      `json:"date"`
	Place       string      `json:"place"`
	Image       []byte      `json:"image"`
	ContentType string      `json:"content_type"`
	Lines       []Line      `json:"lines"`
	Dropped     []LineItem  `json:"dropped"`
	Pool        []Candidate `json:"pool"`
	Bulk        []BulkEntry `json:"bulk"`
	ReceiptID   *int64      `json:"receipt_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (s *Session) line(index int) (*Line, error) {
	if index < 0 || index >= len(s.Lines) {
		return nil, fmt.Errorf("line %d: %w", index, ErrLineNotFound)
	}
	return &s.Lines[index], nil
}

func (s *Session) inPool(itemID int64) bool {
	return slices.ContainsFunc(s.Pool, func(c Candidate) bool { return c.ID == itemID })
}

func (s *Session) addToPool(c Candidate) {
	if !s.inPool(c.ID) {
		s.Pool = append(s.Pool, c)
	}
}

func (s *Session) removeFromPool(itemID int64) {
	s.Pool = slices.DeleteFunc(s.Pool, func(c Candidate) bool { return c.ID == itemID })
}

func (s *Session) ignore(index int) error {
	l, err := s.line(index)
	if err != nil {
		return err
	}
	l.Match = Match{State: StateIgnored}
	return nil
}

func (s *Session) repoint(index int, itemID int64) error {
	l, err := s.line(index)
	if err != nil {
		return err
	}
	if !s.inPool(itemID) {
		return fmt.Errorf("item %d: %w", itemID, ErrItemNotInPool)
	}
	l.Match = Match{State: StateRepointed, TargetID: target(itemID)}
	return nil
}

func (s *Session) pointAtCreated(index int, c Candidate) error {
	l, err := s.line(index)
	if err != nil {
		return err
	}
	s.addToPool(c)
	l.Match = Match{State: StateCreatedNew, TargetID: target(c.ID)}
	return nil
}

// forgetItem drops a deleted item from the pool and reverts every line
// pointing at it
func (s *Session) forgetItem(itemID int64) {
	s.removeFromPool(itemID)
	for i := range s.Lines {
		if t := s.Lines[i].Match.TargetID; t != nil && *t == itemID {
			s.Lines[i].Match = Match{State: StateUnmatched}
		}
	}
}

// clone returns a copy that shares no mutable state with s
func (s *Session) clone() *Session {
	c := *s
	c.Image = slices.Clone(s.Image)
	c.Lines = slices.Clone(s.Lines)
	for i := range c.Lines {
		if t := c.Lines[i].Match.TargetID; t != nil {
			c.Lines[i].Match.TargetID = target(*t)
		}
	}
	c.Dropped = slices.Clone(s.Dropped)
	c.Pool = slices.Clone(s.Pool)
	c.Bulk = slices.Clone(s.Bulk)
	if s.ReceiptID != nil {
		c.ReceiptID = target(*s.ReceiptID)
	}
	return &c
}
