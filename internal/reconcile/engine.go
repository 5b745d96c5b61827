package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/shoplist/internal/embedding"
	"github.com/zombor/shoplist/internal/scanning"
)

// DefaultThreshold is the similarity a candidate must exceed to auto-match
const DefaultThreshold = 0.5

// ReceiptAnalyzer extracts line items from a receipt image
type ReceiptAnalyzer interface {
	AnalyzeReceipt(ctx context.Context, imageData []byte, contentType string) (*scanning.ReceiptData, error)
}

// Check is the update applied to one list item on commit
type Check struct {
	ItemID    int64
	Price     float64
	ReceiptID int64
	PersonID  *int64
	TagID     *int64
	CheckedAt time.Time
}

// ItemStore is the shopping list as seen by the reconciliation engine
type ItemStore interface {
	// UncheckedItems returns the current unchecked items with their decoded vectors
	UncheckedItems(ctx context.Context) ([]Candidate, error)
	// CreateItem adds a new unchecked item and returns it as a candidate
	CreateItem(ctx context.Context, name string) (Candidate, error)
	DeleteItem(ctx context.Context, id int64) error
	// SaveReceipt stores the receipt file and returns its id
	SaveReceipt(ctx context.Context, image []byte, contentType string) (int64, error)
	CheckItem(ctx context.Context, check Check) error
}

// IDGenerator generates session ids
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Config tunes matching
type Config struct {
	Threshold        float64
	Policy           Policy
	EmbedConcurrency int
}

// DefaultConfig returns the standard matching settings
func DefaultConfig() Config {
	return Config{
		Threshold:        DefaultThreshold,
		Policy:           PolicyFirst,
		EmbedConcurrency: 4,
	}
}

// Engine runs receipt analysis, matching, user overrides and commit
type Engine struct {
	analyzer    ReceiptAnalyzer
	embedder    embedding.Embedder
	items       ItemStore
	sessions    SessionStore
	cfg         Config
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewEngine creates a new Engine with uuid session ids and the system clock
func NewEngine(analyzer ReceiptAnalyzer, embedder embedding.Embedder, items ItemStore, sessions SessionStore, cfg Config) *Engine {
	return NewEngineWithDeps(analyzer, embedder, items, sessions, cfg, uuidGenerator{}, systemClock{})
}

// NewEngineWithDeps creates a new Engine with custom dependencies for testing
func NewEngineWithDeps(analyzer ReceiptAnalyzer, embedder embedding.Embedder, items ItemStore, sessions SessionStore, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Engine {
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFirst
	}
	return &Engine{
		analyzer:    analyzer,
		embedder:    embedder,
		items:       items,
		sessions:    sessions,
		cfg:         cfg,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Analyze reads a receipt, embeds every line and auto-matches the lines
// against the unchecked items. Lines whose embedding fails are dropped.
func (e *Engine) Analyze(ctx context.Context, image []byte, contentType string) (*Session, error) {
	data, err := e.analyzer.AnalyzeReceipt(ctx, image, contentType)
	if err != nil {
		return nil, fmt.Errorf("analyzing receipt: %w", err)
	}

	lines, dropped := e.embedLines(ctx, data.Items)

	pool, err := e.items.UncheckedItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading unchecked items: %w", err)
	}
	slices.SortStableFunc(pool, func(a, b Candidate) int { return cmp.Compare(a.ID, b.ID) })

	matches := autoMatch(lines, pool, e.cfg.Threshold, e.cfg.Policy)

	session := &Session{
		ID:          e.idGenerator.Generate(),
		Date:        data.Date,
		Place:       data.Place,
		Image:       image,
		ContentType: contentType,
		Lines:       make([]Line, len(lines)),
		Dropped:     dropped,
		Pool:        pool,
		CreatedAt:   e.timeSource.Now(),
	}
	matched := 0
	for i := range lines {
		session.Lines[i] = Line{Index: i, Item: lines[i], Match: matches[i]}
		if matches[i].HasTarget() {
			matched++
		}
	}

	if err := e.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	slog.Info("Receipt analyzed",
		"session", session.ID,
		"place", session.Place,
		"lines", len(lines),
		"dropped", len(dropped),
		"matched", matched)
	return session, nil
}

// embedLines embeds every receipt line concurrently. Results keep receipt
// order; failed lines are returned separately.
func (e *Engine) embedLines(ctx context.Context, items []scanning.LineItem) ([]LineItem, []LineItem) {
	vectors := make([][]float64, len(items))

	var g errgroup.Group
	g.SetLimit(e.cfg.EmbedConcurrency)
	for i, item := range items {
		g.Go(func() error {
			v, err := e.embedder.Embed(ctx, embedding.Text(item.Name, item.Description))
			if err != nil {
				slog.Warn("Dropping receipt line", "name", item.Name, "error", err)
				return nil
			}
			vectors[i] = v
			return nil
		})
	}
	_ = g.Wait()

	var lines, dropped []LineItem
	for i, item := range items {
		line := LineItem{Name: item.Name, Price: item.Price, Description: item.Description}
		if vectors[i] == nil {
			dropped = append(dropped, line)
			continue
		}
		line.Embedding = vectors[i]
		lines = append(lines, line)
	}
	return lines, dropped
}

// Get returns a session
func (e *Engine) Get(ctx context.Context, id string) (*Session, error) {
	return e.sessions.Get(ctx, id)
}

// Ignore excludes a line from commit
func (e *Engine) Ignore(ctx context.Context, id string, line int) (*Session, error) {
	return e.sessions.Update(ctx, id, func(s *Session) error {
		return s.ignore(line)
	})
}

// Repoint points a line at another unchecked item
func (e *Engine) Repoint(ctx context.Context, id string, line int, itemID int64) (*Session, error) {
	return e.sessions.Update(ctx, id, func(s *Session) error {
		return s.repoint(line, itemID)
	})
}

// CreateAndRepoint creates a list item named after a line and points the
// line at it
func (e *Engine) CreateAndRepoint(ctx context.Context, id string, line int) (*Session, error) {
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	l, err := s.line(line)
	if err != nil {
		return nil, err
	}

	created, err := e.items.CreateItem(ctx, l.Item.Name)
	if err != nil {
		return nil, fmt.Errorf("creating item %q: %w", l.Item.Name, err)
	}

	updated, err := e.sessions.Update(ctx, id, func(s *Session) error {
		return s.pointAtCreated(line, created)
	})
	if err != nil {
		slog.Warn("Created item not attached to session", "session", id, "item", created.ID, "error", err)
		return nil, err
	}
	return updated, nil
}

// BulkCreate creates one list item for every line that has no target and a
// positive price, and points each line at its new item. Lines with zero or
// negative prices (discounts, deposits) are skipped. Items created before a
// failure stay recorded so they can still be undone.
func (e *Engine) BulkCreate(ctx context.Context, id string) (*Session, error) {
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	type creation struct {
		line      int
		candidate Candidate
	}
	var created []creation
	var createErr error
	for _, l := range s.Lines {
		if l.Match.HasTarget() || l.Item.Price <= 0 {
			continue
		}
		c, err := e.items.CreateItem(ctx, l.Item.Name)
		if err != nil {
			createErr = fmt.Errorf("creating item %q: %w", l.Item.Name, err)
			break
		}
		created = append(created, creation{line: l.Index, candidate: c})
	}

	updated, err := e.sessions.Update(ctx, id, func(s *Session) error {
		for _, c := range created {
			if err := s.pointAtCreated(c.line, c.candidate); err != nil {
				return err
			}
			s.Bulk = append(s.Bulk, BulkEntry{Line: c.line, ItemID: c.candidate.ID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Bulk created items", "session", id, "created", len(created))
	if createErr != nil {
		return updated, createErr
	}
	return updated, nil
}

// UndoBulkCreate deletes every item created by bulk-create and reverts the
// lines that pointed at them to unmatched. Items created one at a time are
// left alone.
func (e *Engine) UndoBulkCreate(ctx context.Context, id string) (*Session, error) {
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(s.Bulk) == 0 {
		return s, nil
	}

	var deleted []int64
	var deleteErr error
	for _, entry := range s.Bulk {
		if err := e.items.DeleteItem(ctx, entry.ItemID); err != nil {
			deleteErr = fmt.Errorf("deleting item %d: %w", entry.ItemID, err)
			break
		}
		deleted = append(deleted, entry.ItemID)
	}

	updated, err := e.sessions.Update(ctx, id, func(s *Session) error {
		for _, itemID := range deleted {
			s.forgetItem(itemID)
		}
		s.Bulk = slices.DeleteFunc(s.Bulk, func(b BulkEntry) bool {
			return slices.Contains(deleted, b.ItemID)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Undid bulk create", "session", id, "deleted", len(deleted))
	if deleteErr != nil {
		return updated, deleteErr
	}
	return updated, nil
}

// Discard drops a session without touching the list
func (e *Engine) Discard(ctx context.Context, id string) error {
	return e.sessions.Delete(ctx, id)
}
