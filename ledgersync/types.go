package ledgersync

import (
	"encoding/json"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_sync/models"
	"github.com/shopspring/decimal"
)

// transactionDoc is the loose wire shape of a remote transaction document.
// Remote documents historically carry missing or zero fields, so the decode
// step substitutes explicit defaults per field instead of trusting the
// payload. A document that cannot be decoded at all is skipped and logged by
// the caller, never treated as a fatal sync failure.
type transactionDoc struct {
	ID           string      `json:"id"`
	LedgerID     string      `json:"ledgerId"`
	Amount       json.Number `json:"amount"`
	Kind         string      `json:"kind"`
	Category     string      `json:"category"`
	Description  string      `json:"description"`
	Reward       json.Number `json:"reward"`
	Date         string      `json:"date"`
	CreatedBy    string      `json:"createdBy"`
	TargetMember string      `json:"targetMember"`
	CreatedAt    int64       `json:"createdAt"`
	UpdatedAt    int64       `json:"updatedAt"`
	Deleted      bool        `json:"deleted"`
	DeletedAt    int64       `json:"deletedAt"`
}

// The remote API carries amounts as JSON numbers, not quoted strings.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

var errMissingID = errors.New("transaction document has no id")

func decodeTransactionDoc(raw json.RawMessage) (transactionDoc, error) {
	var doc transactionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return transactionDoc{}, err
	}
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		return transactionDoc{}, errMissingID
	}
	return doc, nil
}

// toTransaction applies the default-substitution rules and produces the typed
// cache record. ledgerID is the partition the document was fetched for; the
// redundant ledgerId field inside the document is ignored when empty.
func (doc transactionDoc) toTransaction(ledgerID string) models.Transaction {
	lid := strings.TrimSpace(doc.LedgerID)
	if lid == "" {
		lid = ledgerID
	}

	kind := models.TransactionKind(strings.TrimSpace(doc.Kind))
	if kind != models.KindIncome && kind != models.KindExpense {
		kind = models.KindExpense
	}

	target := strings.TrimSpace(doc.TargetMember)
	if target == "" {
		target = strings.TrimSpace(doc.CreatedBy)
	}

	return models.Transaction{
		LedgerID:     lid,
		TxID:         strings.TrimSpace(doc.ID),
		Amount:       decimalFromNumber(doc.Amount),
		Kind:         kind,
		Category:     strings.TrimSpace(doc.Category),
		Description:  doc.Description,
		Reward:       decimalFromNumber(doc.Reward),
		Date:         strings.TrimSpace(doc.Date),
		CreatedBy:    strings.TrimSpace(doc.CreatedBy),
		TargetMember: target,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func decimalFromNumber(n json.Number) decimal.Decimal {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type ledgerDoc struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Currency   string                `json:"currency"`
	Categories []string              `json:"categories"`
	Members    []models.LedgerMember `json:"members"`
}

func (doc ledgerDoc) toLedger(ledgerID string, refreshedAt int64) models.Ledger {
	lid := strings.TrimSpace(doc.ID)
	if lid == "" {
		lid = ledgerID
	}
	return models.Ledger{
		LedgerID:       lid,
		Name:           strings.TrimSpace(doc.Name),
		Currency:       strings.TrimSpace(doc.Currency),
		CategoriesJSON: models.EncodeCategories(doc.Categories),
		MembersJSON:    models.EncodeMembers(doc.Members),
		RefreshedAt:    refreshedAt,
	}
}
