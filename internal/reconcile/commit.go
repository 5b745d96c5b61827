package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// CommitOptions are applied to every item checked by a commit
type CommitOptions struct {
	PersonID *int64 `json:"person_id,omitempty"`
	TagID    *int64 `json:"tag_id,omitempty"`
}

// AppliedCheck is one item checked by a commit
type AppliedCheck struct {
	ItemID int64   `json:"item_id"`
	Price  float64 `json:"price"`
	Lines  []int   `json:"lines"`
}

// CommitResult describes a successful commit
type CommitResult struct {
	ReceiptID int64          `json:"receipt_id"`
	Applied   []AppliedCheck `json:"applied"`
}

// CommitError reports a commit that stopped part way. Checks in Applied were
// written and are not rolled back.
type CommitError struct {
	ReceiptID int64
	Applied   []int64
	Failed    int64
	Skipped   []int64
	Err       error
}

func (e *CommitError) Error() string {
	applied := make([]string, len(e.Applied))
	for i, id := range e.Applied {
		applied[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("commit stopped at item %d (applied [%s], %d skipped): %v",
		e.Failed, strings.Join(applied, ","), len(e.Skipped), e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

type commitGroup struct {
	itemID int64
	total  decimal.Decimal
	lines  []int
}

// groupTargets sums line prices per target item, in order of first appearance
func groupTargets(lines []Line) []commitGroup {
	var groups []commitGroup
	index := make(map[int64]int)
	for _, l := range lines {
		if !l.Match.HasTarget() {
			continue
		}
		id := *l.Match.TargetID
		price := decimal.NewFromFloat(l.Item.Price)
		if i, ok := index[id]; ok {
			groups[i].total = groups[i].total.Add(price)
			groups[i].lines = append(groups[i].lines, l.Index)
			continue
		}
		index[id] = len(groups)
		groups = append(groups, commitGroup{itemID: id, total: price, lines: []int{l.Index}})
	}
	return groups
}

// Commit checks every targeted item with the summed price of its lines and
// links the receipt to all of them. Groups are applied one at a time; on the
// first failure the rest are skipped and a *CommitError is returned. A
// retried commit reuses the receipt saved by the earlier attempt. The session
// is discarded only when every group succeeds.
func (e *Engine) Commit(ctx context.Context, id string, opts CommitOptions) (*CommitResult, error) {
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	groups := groupTargets(s.Lines)
	if len(groups) == 0 {
		return nil, ErrNothingToCommit
	}

	receiptID, err := e.receiptFor(ctx, s)
	if err != nil {
		return nil, err
	}

	now := e.timeSource.Now()
	result := &CommitResult{ReceiptID: receiptID}
	for i, g := range groups {
		price := g.total.Round(2).InexactFloat64()
		err := e.items.CheckItem(ctx, Check{
			ItemID:    g.itemID,
			Price:     price,
			ReceiptID: receiptID,
			PersonID:  opts.PersonID,
			TagID:     opts.TagID,
			CheckedAt: now,
		})
		if err != nil {
			commitErr := &CommitError{
				ReceiptID: receiptID,
				Failed:    g.itemID,
				Err:       err,
			}
			for _, a := range result.Applied {
				commitErr.Applied = append(commitErr.Applied, a.ItemID)
			}
			for _, rest := range groups[i+1:] {
				commitErr.Skipped = append(commitErr.Skipped, rest.itemID)
			}
			slog.Error("Commit stopped", "session", id, "item", g.itemID, "applied", len(commitErr.Applied), "skipped", len(commitErr.Skipped), "error", err)
			return nil, commitErr
		}
		result.Applied = append(result.Applied, AppliedCheck{ItemID: g.itemID, Price: price, Lines: g.lines})
	}

	if err := e.sessions.Delete(ctx, id); err != nil {
		slog.Warn("Failed to discard committed session", "session", id, "error", err)
	}

	slog.Info("Receipt committed", "session", id, "receipt", receiptID, "items", len(result.Applied))
	return result, nil
}

func (e *Engine) receiptFor(ctx context.Context, s *Session) (int64, error) {
	if s.ReceiptID != nil {
		return *s.ReceiptID, nil
	}

	receiptID, err := e.items.SaveReceipt(ctx, s.Image, s.ContentType)
	if err != nil {
		return 0, fmt.Errorf("saving receipt: %w", err)
	}

	_, err = e.sessions.Update(ctx, s.ID, func(s *Session) error {
		s.ReceiptID = target(receiptID)
		return nil
	})
	if err != nil {
		slog.Warn("Failed to record receipt on session", "session", s.ID, "receipt", receiptID, "error", err)
	}
	return receiptID, nil
}
