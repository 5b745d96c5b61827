package shopping

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zombor/shoplist/internal/embedding"
	"github.com/zombor/shoplist/internal/scanning"
	"github.com/zombor/shoplist/internal/vector"
)

const (
	// archiveAge is how long a checked item stays on the main list
	archiveAge = 7 * 24 * time.Hour

	// DefaultSearchThreshold is the similarity a vector search hit must exceed
	DefaultSearchThreshold = 0.8

	receiptMaxDimension = 800
	receiptJPEGQuality  = 80
)

// IDGenerator generates unique names for stored receipt files
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

var rgbHex = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("rgbhex", func(fl validator.FieldLevel) bool {
		return rgbHex.MatchString(fl.Field().String())
	})
	return v
}

// Service handles shopping list operations
type Service struct {
	db          DB
	storage     Storage
	embedder    embedding.Embedder
	describer   scanning.Describer
	validate    *validator.Validate
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, embedder embedding.Embedder, describer scanning.Describer) *Service {
	return NewServiceWithDeps(db, storage, embedder, describer, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, embedder embedding.Embedder, describer scanning.Describer, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		embedder:    embedder,
		describer:   describer,
		validate:    newValidator(),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// NewItem is the request to add an item to the list
type NewItem struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	TagID       *int64 `json:"tag_id" validate:"omitempty,gt=0"`
}

// CheckUpdate checks or unchecks an item
type CheckUpdate struct {
	ID       int64    `json:"id" validate:"required,gt=0"`
	Checked  *bool    `json:"checked" validate:"required"`
	Price    *float64 `json:"price"`
	PersonID *int64   `json:"person_id" validate:"omitempty,gt=0"`
}

// NewLabel is the request to create a tag or a person
type NewLabel struct {
	Name  string `json:"name" validate:"required,max=100"`
	Color string `json:"color" validate:"required,rgbhex"`
}

// VectorQuery searches the unchecked items by embedding
type VectorQuery struct {
	Embeddings []float64 `json:"embeddings" validate:"required,min=1"`
	Threshold  *float64  `json:"threshold" validate:"omitempty,gte=-1,lte=1"`
}

// SearchResult is a vector search hit
type SearchResult struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Price      *float64 `json:"price"`
	Checked    bool     `json:"checked"`
	Similarity float64  `json:"similarity"`
}

// ListItems returns every item
func (s *Service) ListItems(ctx context.Context) ([]*ListItem, error) {
	items, err := s.db.ListItems()
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

// GetItem retrieves an item by ID
func (s *Service) GetItem(ctx context.Context, id int64) (*ListItem, error) {
	item, err := s.db.GetItem(id)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// CreateItem adds an unchecked item and stores the embedding of its name
// and description. The item is not created when embedding fails.
func (s *Service) CreateItem(ctx context.Context, req NewItem) (*ListItem, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("validating item: %w", err)
	}

	if req.TagID != nil {
		if _, err := s.db.GetTag(*req.TagID); err != nil {
			return nil, fmt.Errorf("getting tag: %w", err)
		}
	}

	values, err := s.embedder.Embed(ctx, embedding.Text(req.Name, req.Description))
	if err != nil {
		return nil, fmt.Errorf("embedding item: %w", err)
	}
	encoded, err := vector.Encode(values)
	if err != nil {
		return nil, fmt.Errorf("encoding embedding: %w", err)
	}

	item := &ListItem{
		Name:        req.Name,
		Description: req.Description,
		TagID:       req.TagID,
		Vector:      encoded,
		CreatedAt:   s.timeSource.Now(),
	}
	if err := s.db.CreateItem(item); err != nil {
		return nil, fmt.Errorf("saving item: %w", err)
	}

	slog.Info("Item created", "id", item.ID, "name", item.Name)
	return item, nil
}

// SetChecked checks an item, recording price and person, or unchecks it,
// clearing price, person, checked time and receipt in one transaction
func (s *Service) SetChecked(ctx context.Context, req CheckUpdate) (*ListItem, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("validating update: %w", err)
	}
	if req.PersonID != nil {
		if _, err := s.db.GetPerson(*req.PersonID); err != nil {
			return nil, fmt.Errorf("getting person: %w", err)
		}
	}

	now := s.timeSource.Now()
	var released *int64
	item, err := s.db.UpdateItem(req.ID, func(item *ListItem) error {
		if !*req.Checked {
			released = item.ReceiptID
			item.uncheck()
			return nil
		}
		item.Checked = true
		item.Price = req.Price
		item.PersonID = req.PersonID
		item.CheckedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating item: %w", err)
	}

	if released != nil {
		s.releaseReceipt(ctx, *released)
	}
	return item, nil
}

// DeleteItem removes an item, and its receipt when no other item uses it
func (s *Service) DeleteItem(ctx context.Context, id int64) error {
	orphan, err := s.db.DeleteItem(id)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	if orphan != nil {
		s.deleteReceiptFile(ctx, orphan)
	}
	return nil
}

// ArchivedItems returns checked items whose check is older than a week,
// oldest first
func (s *Service) ArchivedItems(ctx context.Context, page, limit int) (*ArchivePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	items, err := s.db.ListItems()
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	cutoff := s.timeSource.Now().Add(-archiveAge)
	archived := slices.DeleteFunc(items, func(item *ListItem) bool {
		return !item.Checked || item.CheckedAt == nil || !item.CheckedAt.Before(cutoff)
	})
	slices.SortStableFunc(archived, func(a, b *ListItem) int {
		return a.CheckedAt.Compare(*b.CheckedAt)
	})

	result := &ArchivePage{
		Items:       []*ListItem{},
		CurrentPage: page,
		TotalItems:  len(archived),
		TotalPages:  int(math.Ceil(float64(len(archived)) / float64(limit))),
	}
	start := (page - 1) * limit
	if start < len(archived) {
		result.Items = archived[start:min(start+limit, len(archived))]
	}
	return result, nil
}

// ListTags returns the tags that are not deleted
func (s *Service) ListTags(ctx context.Context) ([]*Tag, error) {
	tags, err := s.db.ListTags()
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	return slices.DeleteFunc(tags, func(t *Tag) bool { return t.Deleted }), nil
}

// CreateTag adds a tag
func (s *Service) CreateTag(ctx context.Context, req NewLabel) (*Tag, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("validating tag: %w", err)
	}
	tag := &Tag{Name: req.Name, Color: strings.ToLower(req.Color), CreatedAt: s.timeSource.Now()}
	if err := s.db.CreateTag(tag); err != nil {
		return nil, fmt.Errorf("saving tag: %w", err)
	}
	return tag, nil
}

// DeleteTag soft-deletes a tag
func (s *Service) DeleteTag(ctx context.Context, id int64) error {
	if err := s.db.DeleteTag(id); err != nil {
		return fmt.Errorf("deleting tag: %w", err)
	}
	return nil
}

// ListPeople returns the people that are not deleted
func (s *Service) ListPeople(ctx context.Context) ([]*Person, error) {
	people, err := s.db.ListPeople()
	if err != nil {
		return nil, fmt.Errorf("listing people: %w", err)
	}
	return slices.DeleteFunc(people, func(p *Person) bool { return p.Deleted }), nil
}

// CreatePerson adds a person
func (s *Service) CreatePerson(ctx context.Context, req NewLabel) (*Person, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("validating person: %w", err)
	}
	person := &Person{Name: req.Name, Color: strings.ToLower(req.Color), CreatedAt: s.timeSource.Now()}
	if err := s.db.CreatePerson(person); err != nil {
		return nil, fmt.Errorf("saving person: %w", err)
	}
	return person, nil
}

// DeletePerson soft-deletes a person
func (s *Service) DeletePerson(ctx context.Context, id int64) error {
	if err := s.db.DeletePerson(id); err != nil {
		return fmt.Errorf("deleting person: %w", err)
	}
	return nil
}

// storeReceipt compresses and saves a receipt image and records it
func (s *Service) storeReceipt(ctx context.Context, data []byte, contentType string) (*Receipt, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("receipt image is empty")
	}

	ext := ".jpg"
	compressed, err := scanning.CompressImage(data, contentType, receiptMaxDimension, receiptJPEGQuality)
	if err != nil {
		slog.Warn("Storing receipt uncompressed", "content_type", contentType, "error", err)
		compressed = data
		ext = ""
	} else {
		contentType = "image/jpeg"
	}

	key, err := s.storage.Save(ctx, s.idGenerator.Generate()+ext, compressed)
	if err != nil {
		return nil, fmt.Errorf("saving receipt file: %w", err)
	}

	receipt := &Receipt{
		Filename:    key,
		ContentType: contentType,
		CreatedAt:   s.timeSource.Now(),
	}
	if err := s.db.CreateReceipt(receipt); err != nil {
		if delErr := s.storage.Delete(ctx, key); delErr != nil {
			slog.Warn("Failed to delete file", "filename", key, "error", delErr)
		}
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	return receipt, nil
}

// releaseReceipt removes a receipt that no item references any more
func (s *Service) releaseReceipt(ctx context.Context, id int64) {
	orphan, err := s.db.DeleteReceiptIfUnused(id)
	if err != nil {
		slog.Warn("Failed to release receipt", "receipt", id, "error", err)
		return
	}
	if orphan != nil {
		s.deleteReceiptFile(ctx, orphan)
	}
}

func (s *Service) deleteReceiptFile(ctx context.Context, receipt *Receipt) {
	if err := s.storage.Delete(ctx, receipt.Filename); err != nil {
		// Log error, the record is already gone
		slog.Warn("Failed to delete file", "filename", receipt.Filename, "error", err)
	}
}

// AttachReceipt stores a receipt image and links it to an item, replacing
// any receipt the item had
func (s *Service) AttachReceipt(ctx context.Context, itemID int64, data []byte, contentType string) (*Receipt, error) {
	if _, err := s.db.GetItem(itemID); err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}

	receipt, err := s.storeReceipt(ctx, data, contentType)
	if err != nil {
		return nil, err
	}

	var previous *int64
	_, err = s.db.UpdateItem(itemID, func(item *ListItem) error {
		previous = item.ReceiptID
		item.ReceiptID = &receipt.ID
		return nil
	})
	if err != nil {
		s.releaseReceipt(ctx, receipt.ID)
		return nil, fmt.Errorf("linking receipt: %w", err)
	}

	if previous != nil && *previous != receipt.ID {
		s.releaseReceipt(ctx, *previous)
	}
	return receipt, nil
}

// ReceiptForItem returns the receipt linked to an item, or nil
func (s *Service) ReceiptForItem(ctx context.Context, itemID int64) (*Receipt, error) {
	item, err := s.db.GetItem(itemID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	if item.ReceiptID == nil {
		return nil, nil
	}
	receipt, err := s.db.GetReceipt(*item.ReceiptID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// GetReceiptFile retrieves the image for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, id int64) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(ctx, receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}

// Embed returns the embedding of free text
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if err := s.validate.Var(text, "required"); err != nil {
		return nil, fmt.Errorf("validating text: %w", err)
	}
	values, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return values, nil
}

// DescribeItem asks the chat model for search keywords for an item name,
// using the tag name as context
func (s *Service) DescribeItem(ctx context.Context, name string, tagID *int64) ([]scanning.Description, error) {
	name = strings.TrimSpace(name)
	if err := s.validate.Var(name, "required"); err != nil {
		return nil, fmt.Errorf("validating name: %w", err)
	}
	if s.describer == nil {
		return nil, fmt.Errorf("no item describer configured")
	}

	var tagName string
	if tagID != nil {
		tag, err := s.db.GetTag(*tagID)
		if err != nil {
			return nil, fmt.Errorf("getting tag: %w", err)
		}
		tagName = tag.Name
	}

	descriptions, err := s.describer.DescribeItem(ctx, name, tagName)
	if err != nil {
		return nil, fmt.Errorf("describing item: %w", err)
	}
	return descriptions, nil
}

// VectorSearch returns the unchecked item most similar to the query
// embedding, if its similarity exceeds the threshold. At most one result is
// returned.
func (s *Service) VectorSearch(ctx context.Context, q VectorQuery) ([]SearchResult, error) {
	if err := s.validate.Struct(q); err != nil {
		return nil, fmt.Errorf("validating query: %w", err)
	}
	threshold := DefaultSearchThreshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}

	items, err := s.db.ListItems()
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	var hits []SearchResult
	for _, item := range items {
		if item.Checked {
			continue
		}
		sim := vector.Cosine(q.Embeddings, vector.Decode(item.Vector))
		if sim <= threshold {
			continue
		}
		hits = append(hits, SearchResult{
			ID:         item.ID,
			Name:       item.Name,
			Price:      item.Price,
			Checked:    item.Checked,
			Similarity: sim,
		})
	}

	slices.SortStableFunc(hits, func(a, b SearchResult) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if len(hits) > 1 {
		hits = hits[:1]
	}
	if hits == nil {
		hits = []SearchResult{}
	}
	return hits, nil
}
