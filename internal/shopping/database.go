package shopping

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	itemsBucket    = "items"
	tagsBucket     = "tags"
	peopleBucket   = "people"
	receiptsBucket = "receipts"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique name is already taken
	ErrDuplicate = errors.New("already exists")
	// ErrAlreadyChecked is returned when a commit targets an item that was
	// checked against another receipt since the analysis
	ErrAlreadyChecked = errors.New("already checked")
)

// DB defines the interface for database operations
type DB interface {
	// CreateItem assigns the item an id and saves it
	CreateItem(item *ListItem) error

	// GetItem retrieves an item by ID
	GetItem(id int64) (*ListItem, error)

	// ListItems returns all items ordered by id
	ListItems() ([]*ListItem, error)

	// UpdateItem applies fn to an item and saves it in one transaction
	UpdateItem(id int64, fn func(*ListItem) error) (*ListItem, error)

	// DeleteItem removes an item. When the item's receipt is no longer
	// referenced by any item it is removed too and returned.
	DeleteItem(id int64) (*Receipt, error)

	CreateTag(tag *Tag) error
	GetTag(id int64) (*Tag, error)
	ListTags() ([]*Tag, error)
	// DeleteTag marks a tag deleted
	DeleteTag(id int64) error

	CreatePerson(person *Person) error
	GetPerson(id int64) (*Person, error)
	ListPeople() ([]*Person, error)
	// DeletePerson marks a person deleted
	DeletePerson(id int64) error

	// CreateReceipt assigns the receipt an id and saves it
	CreateReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id int64) (*Receipt, error)

	// DeleteReceiptIfUnused removes a receipt no item references and returns
	// it. It returns nil when the receipt is still in use.
	DeleteReceiptIfUnused(id int64) (*Receipt, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{itemsBucket, tagsBucket, peopleBucket, receiptsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// itob encodes an id as a big-endian key so cursors iterate in id order
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func nextID(tx *bbolt.Tx, bucket string) (int64, error) {
	seq, err := tx.Bucket([]byte(bucket)).NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocating %s id: %w", bucket, err)
	}
	return int64(seq), nil
}

func put(tx *bbolt.Tx, bucket string, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s %d: %w", bucket, id, err)
	}
	return tx.Bucket([]byte(bucket)).Put(itob(id), data)
}

func get[T any](tx *bbolt.Tx, bucket string, id int64) (*T, error) {
	data := tx.Bucket([]byte(bucket)).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("%s %d: %w", bucket, id, ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling %s %d: %w", bucket, id, err)
	}
	return &v, nil
}

func list[T any](tx *bbolt.Tx, bucket string) ([]*T, error) {
	records := make([]*T, 0)
	err := tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
		var record T
		if err := json.Unmarshal(v, &record); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", bucket, err)
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CreateItem assigns the item an id and saves it
func (b *BoltDB) CreateItem(item *ListItem) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, itemsBucket)
		if err != nil {
			return err
		}
		item.ID = id
		return put(tx, itemsBucket, id, item)
	})
}

// GetItem retrieves an item by ID
func (b *BoltDB) GetItem(id int64) (*ListItem, error) {
	var item *ListItem
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = get[ListItem](tx, itemsBucket, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListItems returns all items ordered by id
func (b *BoltDB) ListItems() ([]*ListItem, error) {
	var items []*ListItem
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		items, err = list[ListItem](tx, itemsBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateItem applies fn to an item and saves it in one transaction
func (b *BoltDB) UpdateItem(id int64, fn func(*ListItem) error) (*ListItem, error) {
	var item *ListItem
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		item, err = get[ListItem](tx, itemsBucket, id)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
		item.ID = id
		return put(tx, itemsBucket, id, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteItem removes an item and its receipt when nothing else references it
func (b *BoltDB) DeleteItem(id int64) (*Receipt, error) {
	var orphan *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		item, err := get[ListItem](tx, itemsBucket, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(itemsBucket)).Delete(itob(id)); err != nil {
			return fmt.Errorf("deleting item %d: %w", id, err)
		}
		if item.ReceiptID == nil {
			return nil
		}
		orphan, err = deleteReceiptIfUnused(tx, *item.ReceiptID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphan, nil
}

func deleteReceiptIfUnused(tx *bbolt.Tx, receiptID int64) (*Receipt, error) {
	items, err := list[ListItem](tx, itemsBucket)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.ReceiptID != nil && *item.ReceiptID == receiptID {
			return nil, nil
		}
	}

	receipt, err := get[Receipt](tx, receiptsBucket, receiptID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Bucket([]byte(receiptsBucket)).Delete(itob(receiptID)); err != nil {
		return nil, fmt.Errorf("deleting receipt %d: %w", receiptID, err)
	}
	return receipt, nil
}

// nameTaken reports whether any record in bucket already uses name
func nameTaken[T any](tx *bbolt.Tx, bucket, name string, nameOf func(*T) string) (bool, error) {
	records, err := list[T](tx, bucket)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if strings.EqualFold(nameOf(r), name) {
			return true, nil
		}
	}
	return false, nil
}

// CreateTag saves a tag with a unique name
func (b *BoltDB) CreateTag(tag *Tag) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		taken, err := nameTaken(tx, tagsBucket, tag.Name, func(t *Tag) string { return t.Name })
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("tag %q: %w", tag.Name, ErrDuplicate)
		}
		id, err := nextID(tx, tagsBucket)
		if err != nil {
			return err
		}
		tag.ID = id
		return put(tx, tagsBucket, id, tag)
	})
}

// GetTag retrieves a tag by ID
func (b *BoltDB) GetTag(id int64) (*Tag, error) {
	var tag *Tag
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		tag, err = get[Tag](tx, tagsBucket, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// ListTags returns all tags, deleted ones included
func (b *BoltDB) ListTags() ([]*Tag, error) {
	var tags []*Tag
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		tags, err = list[Tag](tx, tagsBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// DeleteTag marks a tag deleted
func (b *BoltDB) DeleteTag(id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		tag, err := get[Tag](tx, tagsBucket, id)
		if err != nil {
			return err
		}
		tag.Deleted = true
		return put(tx, tagsBucket, id, tag)
	})
}

// CreatePerson saves a person with a unique name
func (b *BoltDB) CreatePerson(person *Person) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		taken, err := nameTaken(tx, peopleBucket, person.Name, func(p *Person) string { return p.Name })
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("person %q: %w", person.Name, ErrDuplicate)
		}
		id, err := nextID(tx, peopleBucket)
		if err != nil {
			return err
		}
		person.ID = id
		return put(tx, peopleBucket, id, person)
	})
}

// GetPerson retrieves a person by ID
func (b *BoltDB) GetPerson(id int64) (*Person, error) {
	var person *Person
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		person, err = get[Person](tx, peopleBucket, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return person, nil
}

// ListPeople returns all people, deleted ones included
func (b *BoltDB) ListPeople() ([]*Person, error) {
	var people []*Person
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		people, err = list[Person](tx, peopleBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return people, nil
}

// DeletePerson marks a person deleted
func (b *BoltDB) DeletePerson(id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		person, err := get[Person](tx, peopleBucket, id)
		if err != nil {
			return err
		}
		person.Deleted = true
		return put(tx, peopleBucket, id, person)
	})
}

// CreateReceipt assigns the receipt an id and saves it
func (b *BoltDB) CreateReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, receiptsBucket)
		if err != nil {
			return err
		}
		receipt.ID = id
		return put(tx, receiptsBucket, id, receipt)
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id int64) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = get[Receipt](tx, receiptsBucket, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// DeleteReceiptIfUnused removes a receipt no item references
func (b *BoltDB) DeleteReceiptIfUnused(id int64) (*Receipt, error) {
	var orphan *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		orphan, err = deleteReceiptIfUnused(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphan, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
