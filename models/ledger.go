package models

import "encoding/json"

// Ledger mirrors the remote ledger metadata document (name, category list,
// member list). It is synchronized by whole-document replace-on-read during a
// full resync, not by the watermark merge.
type Ledger struct {
	LedgerID       string `gorm:"primaryKey;size:64" json:"ledger_id"`
	Name           string `gorm:"size:255" json:"name"`
	Currency       string `gorm:"size:8" json:"currency"`
	CategoriesJSON []byte `json:"categories_json"`
	MembersJSON    []byte `json:"members_json"`
	RefreshedAt    int64  `json:"refreshed_at"`
}

type LedgerMember struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name"`
}

func (l Ledger) Categories() []string {
	if len(l.CategoriesJSON) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(l.CategoriesJSON, &out); err != nil {
		return nil
	}
	return out
}

func (l Ledger) Members() []LedgerMember {
	if len(l.MembersJSON) == 0 {
		return nil
	}
	var out []LedgerMember
	if err := json.Unmarshal(l.MembersJSON, &out); err != nil {
		return nil
	}
	return out
}

func EncodeCategories(categories []string) []byte {
	b, _ := json.Marshal(categories)
	return b
}

func EncodeMembers(members []LedgerMember) []byte {
	b, _ := json.Marshal(members)
	return b
}
