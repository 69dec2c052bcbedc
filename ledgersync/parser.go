package ledgersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_sync/models"
)

// ParserClient calls the natural-language transaction parsing service: free
// text plus the caller's category list in, a structured draft out. The
// service internals are somebody else's problem; this is purely a producer
// of Create() input and never participates in sync.
type ParserClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewParserClient(apiKey string) (*ParserClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("PARSE_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("PARSE_API_BASE_URL is not set")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("PARSE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &ParserClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type parseRequest struct {
	Text       string   `json:"text"`
	Categories []string `json:"categories"`
}

type parseResponse struct {
	Amount      json.Number `json:"amount"`
	Kind        string      `json:"kind"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Reward      json.Number `json:"reward"`
	Date        string      `json:"date"`
}

// Parse returns a draft with the creator fields left empty; the caller fills
// them in before handing the draft to the coordinator.
func (p *ParserClient) Parse(ctx context.Context, text string, categories []string) (TransactionDraft, error) {
	payload, err := json.Marshal(parseRequest{Text: text, Categories: categories})
	if err != nil {
		return TransactionDraft{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/parse", bytes.NewReader(payload))
	if err != nil {
		return TransactionDraft{}, err
	}
	req.Header.Set(p.apiKeyHdr, p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return TransactionDraft{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TransactionDraft{}, statusError(resp.StatusCode, body)
	}

	var parsed parseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TransactionDraft{}, fmt.Errorf("decode parse response: %w", err)
	}

	kind := models.TransactionKind(strings.TrimSpace(parsed.Kind))
	if kind != models.KindIncome && kind != models.KindExpense {
		kind = models.KindExpense
	}

	return TransactionDraft{
		Amount:      decimalFromNumber(parsed.Amount),
		Kind:        kind,
		Category:    strings.TrimSpace(parsed.Category),
		Description: strings.TrimSpace(parsed.Description),
		Reward:      decimalFromNumber(parsed.Reward),
		Date:        strings.TrimSpace(parsed.Date),
	}, nil
}
