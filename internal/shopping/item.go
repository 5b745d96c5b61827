package shopping

import "time"

// ListItem is one entry on the shopping list
type ListItem struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Checked     bool       `json:"checked"`
	Price       *float64   `json:"price"`
	Vector      string     `json:"vector,omitempty"` // JSON-encoded embedding
	TagID       *int64     `json:"tag_id"`
	PersonID    *int64     `json:"person_id"`
	ReceiptID   *int64     `json:"receipt_id"`
	CheckedAt   *time.Time `json:"checked_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// uncheck clears everything a check recorded
func (i *ListItem) uncheck() {
	i.Checked = false
	i.Price = nil
	i.PersonID = nil
	i.CheckedAt = nil
	i.ReceiptID = nil
}

// Tag groups items, usually by shop
type Tag struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// Person is someone who pays for items
type Person struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// Receipt is a stored receipt image. The bytes live in Storage under Filename.
type Receipt struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArchivePage is one page of items checked more than a week ago
type ArchivePage struct {
	Items       []*ListItem `json:"items"`
	CurrentPage int         `json:"currentPage"`
	TotalPages  int         `json:"totalPages"`
	TotalItems  int         `json:"totalItems"`
}
