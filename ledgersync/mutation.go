package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_sync/config"
	"bitbucket.org/mmdatafocus/ledger_sync/models"
	"bitbucket.org/mmdatafocus/ledger_sync/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// TransactionDraft is the create() input: user-entered fields before the
// remote store has assigned an identity.
type TransactionDraft struct {
	Amount       decimal.Decimal        `json:"amount"`
	Kind         models.TransactionKind `json:"kind" validate:"required,oneof=income expense"`
	Category     string                 `json:"category" validate:"required"`
	Description  string                 `json:"description"`
	Reward       decimal.Decimal        `json:"reward"`
	Date         string                 `json:"date" validate:"omitempty,datetime=2006-01-02"`
	CreatedBy    string                 `json:"created_by" validate:"required"`
	TargetMember string                 `json:"target_member"`
}

// FieldChanges carries the changed fields of an update(); nil means
// unchanged.
type FieldChanges struct {
	Amount       *decimal.Decimal        `json:"amount"`
	Kind         *models.TransactionKind `json:"kind"`
	Category     *string                 `json:"category"`
	Description  *string                 `json:"description"`
	Reward       *decimal.Decimal        `json:"reward"`
	Date         *string                 `json:"date"`
	TargetMember *string                 `json:"target_member"`
}

func (fc FieldChanges) apply(tx models.Transaction) models.Transaction {
	if fc.Amount != nil {
		tx.Amount = *fc.Amount
	}
	if fc.Kind != nil {
		tx.Kind = *fc.Kind
	}
	if fc.Category != nil {
		tx.Category = *fc.Category
	}
	if fc.Description != nil {
		tx.Description = *fc.Description
	}
	if fc.Reward != nil {
		tx.Reward = *fc.Reward
	}
	if fc.Date != nil {
		tx.Date = *fc.Date
	}
	if fc.TargetMember != nil {
		tx.TargetMember = *fc.TargetMember
	}
	return tx
}

func (fc FieldChanges) toDocument() map[string]any {
	fields := map[string]any{}
	if fc.Amount != nil {
		fields["amount"] = *fc.Amount
	}
	if fc.Kind != nil {
		fields["kind"] = *fc.Kind
	}
	if fc.Category != nil {
		fields["category"] = *fc.Category
	}
	if fc.Description != nil {
		fields["description"] = *fc.Description
	}
	if fc.Reward != nil {
		fields["reward"] = *fc.Reward
	}
	if fc.Date != nil {
		fields["date"] = *fc.Date
	}
	if fc.TargetMember != nil {
		fields["targetMember"] = *fc.TargetMember
	}
	return fields
}

// Coordinator applies local create/update/delete intents: optimistic cache
// write first so the UI reflects the change immediately, then the remote
// write, then an incremental sync to reconcile against whatever other
// members changed in the same window.
type Coordinator struct {
	remote   RemoteStore
	engine   *Engine
	logger   *logrus.Logger
	validate *validator.Validate

	now func() int64
}

func NewCoordinator(remote RemoteStore, engine *Engine, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		remote:   remote,
		engine:   engine,
		logger:   logger,
		validate: validator.New(),
		now:      nowMillis,
	}
}

// Create inserts an optimistic entry under a temporary local identity,
// issues the remote create, then removes the temporary entry: the permanent
// record (with its remote-assigned identity) arrives via the reconciliation
// sync. On remote failure the optimistic entry is rolled back and the error
// surfaced.
func (c *Coordinator) Create(ctx context.Context, s *Session, draft TransactionDraft) error {
	if err := c.validateDraft(&draft); err != nil {
		return err
	}

	now := c.now()
	tempID := "local-" + uuid.NewString()
	optimistic := models.Transaction{
		LedgerID:     s.ledgerID,
		TxID:         tempID,
		Amount:       draft.Amount,
		Kind:         draft.Kind,
		Category:     draft.Category,
		Description:  draft.Description,
		Reward:       draft.Reward,
		Date:         draft.Date,
		CreatedBy:    draft.CreatedBy,
		TargetMember: draft.TargetMember,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	err := s.manager.Cache().Upsert(optimistic)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	doc := map[string]any{
		"amount":       draft.Amount,
		"kind":         draft.Kind,
		"category":     draft.Category,
		"description":  draft.Description,
		"reward":       draft.Reward,
		"date":         draft.Date,
		"createdBy":    draft.CreatedBy,
		"targetMember": draft.TargetMember,
	}
	_, createErr := c.remote.Create(ctx, s.ledgerID, doc)

	// The temporary entry goes away on both paths: rollback on failure, and
	// on success its permanent twin arrives via the reconciliation sync.
	s.mu.Lock()
	removeErr := s.manager.Cache().Remove(s.ledgerID, tempID)
	s.mu.Unlock()

	if createErr != nil {
		return fmt.Errorf("create transaction: %w", createErr)
	}
	if removeErr != nil {
		return removeErr
	}

	c.reconcile(ctx, s)
	return nil
}

// Update optimistically applies the changes to the cached entry, runs the
// coarse optimistic-concurrency check against the remote updatedAt, and only
// then writes. A mismatch fails with ErrConflict and writes nothing remote;
// the session is flagged for a full resync so the dirty local entry gets
// corrected.
func (c *Coordinator) Update(ctx context.Context, s *Session, txID string, changes FieldChanges, expectedUpdatedAt int64) error {
	if err := c.validateChanges(changes); err != nil {
		return err
	}

	s.mu.Lock()
	current, found, err := s.manager.Cache().Get(s.ledgerID, txID)
	if err == nil && found {
		updated := changes.apply(current)
		updated.UpdatedAt = c.now()
		err = s.manager.Cache().Upsert(updated)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return utils.ErrorRecordNotFound
	}

	raw, err := c.remote.Fetch(ctx, s.ledgerID, txID)
	if err != nil {
		s.markNeedsFullResync()
		return fmt.Errorf("update transaction: %w", err)
	}
	remoteDoc, err := decodeTransactionDoc(raw)
	if err != nil {
		s.markNeedsFullResync()
		return fmt.Errorf("update transaction: %w: %v", ErrRemoteRejected, err)
	}
	if remoteDoc.UpdatedAt != expectedUpdatedAt {
		s.markNeedsFullResync()
		return fmt.Errorf("%w: expected updatedAt %d, remote has %d",
			ErrConflict, expectedUpdatedAt, remoteDoc.UpdatedAt)
	}

	if err := c.remote.Update(ctx, s.ledgerID, txID, changes.toDocument()); err != nil {
		s.markNeedsFullResync()
		return fmt.Errorf("update transaction: %w", err)
	}

	c.reconcile(ctx, s)
	return nil
}

// Delete optimistically removes the entry, issues the remote soft-delete,
// and rolls the entry back in if the remote write fails.
func (c *Coordinator) Delete(ctx context.Context, s *Session, txID string) error {
	s.mu.Lock()
	prev, found, err := s.manager.Cache().Get(s.ledgerID, txID)
	if err == nil && found {
		err = s.manager.Cache().Remove(s.ledgerID, txID)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return utils.ErrorRecordNotFound
	}

	if err := c.remote.SoftDelete(ctx, s.ledgerID, txID); err != nil {
		s.mu.Lock()
		rollbackErr := s.manager.Cache().Upsert(prev)
		s.mu.Unlock()
		if rollbackErr != nil {
			config.LogError(c.logger, "ledgersync", "Delete", s.ledgerID, txID, rollbackErr)
		}
		return fmt.Errorf("delete transaction: %w", err)
	}

	c.reconcile(ctx, s)
	return nil
}

// reconcile runs the follow-up incremental sync. Its failure is non-fatal to
// the user-visible mutation result, so it is logged and swallowed.
func (c *Coordinator) reconcile(ctx context.Context, s *Session) {
	if _, err := c.engine.Sync(ctx, s, false); err != nil {
		config.LogError(c.logger, "ledgersync", "reconcile", s.ledgerID, nil, err)
	}
}

func (c *Coordinator) validateDraft(draft *TransactionDraft) error {
	if draft.Date == "" {
		draft.Date = time.UnixMilli(c.now()).Format("2006-01-02")
	}
	if draft.TargetMember == "" {
		draft.TargetMember = draft.CreatedBy
	}
	if err := c.validate.Struct(draft); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid transaction: %v", utils.GenerateValidationErrorResponse(verrs))
		}
		return err
	}
	if !draft.Amount.IsPositive() {
		return errors.New("invalid transaction: amount must be positive")
	}
	if draft.Reward.IsNegative() {
		return errors.New("invalid transaction: reward cannot be negative")
	}
	return nil
}

func (c *Coordinator) validateChanges(changes FieldChanges) error {
	if changes.Kind != nil && *changes.Kind != models.KindIncome && *changes.Kind != models.KindExpense {
		return errors.New("invalid update: kind must be income or expense")
	}
	if changes.Amount != nil && !changes.Amount.IsPositive() {
		return errors.New("invalid update: amount must be positive")
	}
	if changes.Reward != nil && changes.Reward.IsNegative() {
		return errors.New("invalid update: reward cannot be negative")
	}
	if changes.Date != nil {
		if _, err := time.Parse("2006-01-02", *changes.Date); err != nil {
			return errors.New("invalid update: date must be YYYY-MM-DD")
		}
	}
	return nil
}
