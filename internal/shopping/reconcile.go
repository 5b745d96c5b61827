package shopping

import (
	"context"
	"fmt"

	"github.com/zombor/shoplist/internal/reconcile"
	"github.com/zombor/shoplist/internal/vector"
)

// reconcileItems exposes the list to the reconciliation engine
type reconcileItems struct {
	service *Service
}

// ReconcileStore returns the list as a reconcile.ItemStore
func (s *Service) ReconcileStore() reconcile.ItemStore {
	return &reconcileItems{service: s}
}

// ValidateAssignment checks that the person and tag a commit assigns exist
func (s *Service) ValidateAssignment(ctx context.Context, personID, tagID *int64) error {
	if personID != nil {
		if _, err := s.db.GetPerson(*personID); err != nil {
			return fmt.Errorf("getting person: %w", err)
		}
	}
	if tagID != nil {
		if _, err := s.db.GetTag(*tagID); err != nil {
			return fmt.Errorf("getting tag: %w", err)
		}
	}
	return nil
}

func (r *reconcileItems) UncheckedItems(ctx context.Context) ([]reconcile.Candidate, error) {
	items, err := r.service.db.ListItems()
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	candidates := make([]reconcile.Candidate, 0, len(items))
	for _, item := range items {
		if item.Checked {
			continue
		}
		candidates = append(candidates, reconcile.Candidate{
			ID:     item.ID,
			Name:   item.Name,
			Vector: vector.Decode(item.Vector),
		})
	}
	return candidates, nil
}

func (r *reconcileItems) CreateItem(ctx context.Context, name string) (reconcile.Candidate, error) {
	item, err := r.service.CreateItem(ctx, NewItem{Name: name})
	if err != nil {
		return reconcile.Candidate{}, err
	}
	return reconcile.Candidate{
		ID:     item.ID,
		Name:   item.Name,
		Vector: vector.Decode(item.Vector),
	}, nil
}

func (r *reconcileItems) DeleteItem(ctx context.Context, id int64) error {
	return r.service.DeleteItem(ctx, id)
}

func (r *reconcileItems) SaveReceipt(ctx context.Context, image []byte, contentType string) (int64, error) {
	receipt, err := r.service.storeReceipt(ctx, image, contentType)
	if err != nil {
		return 0, err
	}
	return receipt.ID, nil
}

func (r *reconcileItems) CheckItem(ctx context.Context, check reconcile.Check) error {
	if err := r.service.ValidateAssignment(ctx, check.PersonID, check.TagID); err != nil {
		return err
	}

	var previous *int64
	_, err := r.service.db.UpdateItem(check.ItemID, func(item *ListItem) error {
		// Retrying a commit re-checks items against its own receipt
		if item.Checked && (item.ReceiptID == nil || *item.ReceiptID != check.ReceiptID) {
			return ErrAlreadyChecked
		}
		previous = item.ReceiptID
		price := check.Price
		checkedAt := check.CheckedAt
		receiptID := check.ReceiptID

		item.Checked = true
		item.Price = &price
		item.CheckedAt = &checkedAt
		item.ReceiptID = &receiptID
		if check.PersonID != nil {
			item.PersonID = check.PersonID
		}
		if check.TagID != nil {
			item.TagID = check.TagID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("checking item %d: %w", check.ItemID, err)
	}

	if previous != nil && *previous != check.ReceiptID {
		r.service.releaseReceipt(ctx, *previous)
	}
	return nil
}
