package ledgersync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_sync/config"
	"bitbucket.org/mmdatafocus/ledger_sync/utils"
	"github.com/gin-gonic/gin"
)

// Service wires the sync engine, mutation coordinator and parser client
// behind the HTTP surface the presentation layer talks to.
type Service struct {
	Manager     *SessionManager
	Engine      *Engine
	Coordinator *Coordinator
	Parser      *ParserClient
}

type syncResponse struct {
	LedgerID    string `json:"ledgerId"`
	Full        bool   `json:"full"`
	ChangeCount int    `json:"changeCount"`
	Watermark   int64  `json:"watermark"`
}

type statusResponse struct {
	LedgerID    string `json:"ledgerId"`
	Active      bool   `json:"active"`
	Watermark   int64  `json:"watermark"`
	EverSynced  bool   `json:"everSynced"`
	CachedCount int64  `json:"cachedCount"`
}

type updateRequest struct {
	Changes           FieldChanges `json:"changes"`
	ExpectedUpdatedAt int64        `json:"expectedUpdatedAt"`
}

type parseHandlerRequest struct {
	Text       string   `json:"text" binding:"required"`
	Categories []string `json:"categories"`
}

// TriggerSyncHandler runs an explicit resync for a ledger. Unlike the
// reconciliation sync after a mutation, failures here propagate to the
// caller.
func (s *Service) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID := c.Param("ledgerId")
		full := strings.EqualFold(c.Query("full"), "true")

		session := s.Manager.Session(ledgerID)
		count, err := s.Engine.Sync(c.Request.Context(), session, full)
		if err != nil {
			abortWithSyncError(c, err)
			return
		}

		watermark, _, _ := s.Manager.Cache().Watermark(ledgerID)
		c.JSON(http.StatusOK, syncResponse{
			LedgerID:    ledgerID,
			Full:        full,
			ChangeCount: count,
			Watermark:   watermark,
		})
	}
}

func (s *Service) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID := c.Param("ledgerId")

		watermark, everSynced, err := s.Manager.Cache().Watermark(ledgerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		count, err := s.Manager.Cache().Count(ledgerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, statusResponse{
			LedgerID:    ledgerID,
			Active:      s.Manager.ActiveLedger() == ledgerID,
			Watermark:   watermark,
			EverSynced:  everSynced,
			CachedCount: count,
		})
	}
}

// ActivateHandler switches the active ledger and kicks off its initial sync.
// The switch itself is what invalidates any sync still in flight for the
// previous ledger.
func (s *Service) ActivateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID := c.Param("ledgerId")
		session := s.Manager.Activate(ledgerID)

		count, err := s.Engine.Sync(c.Request.Context(), session, false)
		if err != nil {
			abortWithSyncError(c, err)
			return
		}

		watermark, _, _ := s.Manager.Cache().Watermark(ledgerID)
		c.JSON(http.StatusOK, syncResponse{
			LedgerID:    ledgerID,
			ChangeCount: count,
			Watermark:   watermark,
		})
	}
}

func (s *Service) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID := c.Param("ledgerId")
		records, err := s.Manager.Cache().List(ledgerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": records})
	}
}

func (s *Service) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID := c.Param("ledgerId")

		var draft TransactionDraft
		if err := c.ShouldBindJSON(&draft); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if draft.CreatedBy == "" {
			if memberID, ok := utils.GetMemberIdFromContext(c.Request.Context()); ok {
				draft.CreatedBy = memberID
			}
		}

		session := s.Manager.Session(ledgerID)
		if err := s.Coordinator.Create(c.Request.Context(), session, draft); err != nil {
			abortWithMutationError(c, err)
			return
		}

		s.notifyChange(c, ledgerID)
		c.JSON(http.StatusCreated, gin.H{"status": "created"})
	}
}

func (s *Service) UpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID := c.Param("ledgerId")
		txID := c.Param("txId")

		var req updateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		session := s.Manager.Session(ledgerID)
		err := s.Coordinator.Update(c.Request.Context(), session, txID, req.Changes, req.ExpectedUpdatedAt)
		if err != nil {
			abortWithMutationError(c, err)
			return
		}

		s.notifyChange(c, ledgerID)
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

func (s *Service) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerID := c.Param("ledgerId")
		txID := c.Param("txId")

		session := s.Manager.Session(ledgerID)
		if err := s.Coordinator.Delete(c.Request.Context(), session, txID); err != nil {
			abortWithMutationError(c, err)
			return
		}

		s.notifyChange(c, ledgerID)
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

// ParseHandler forwards free text to the parsing service and returns the
// structured draft. The draft is never written anywhere; the client reviews
// it and submits it through CreateHandler.
func (s *Service) ParseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Parser == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "parsing service is not configured"})
			return
		}

		var req parseHandlerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
			return
		}

		categories := req.Categories
		if len(categories) == 0 {
			if ledgerID, ok := utils.GetLedgerIdFromContext(c.Request.Context()); ok {
				if meta, found, err := s.Manager.Cache().GetLedger(ledgerID); err == nil && found {
					categories = meta.Categories()
				}
			}
		}

		draft, err := s.Parser.Parse(c.Request.Context(), req.Text, categories)
		if err != nil {
			abortWithSyncError(c, err)
			return
		}
		c.JSON(http.StatusOK, draft)
	}
}

// PubSubPushHandler accepts a Pub/Sub push envelope and triggers an
// incremental sync for the named ledger. Always 204: push delivery retries
// are pointless here because the next sync covers the same range anyway.
func (s *Service) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var note ChangeNotification
		if err := json.Unmarshal(envelope.Message.Data, &note); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if note.LedgerID == "" || note.LedgerID != s.Manager.ActiveLedger() {
			c.Status(http.StatusNoContent)
			return
		}

		if _, err := s.Engine.Sync(c.Request.Context(), s.Manager.Session(note.LedgerID), false); err != nil {
			config.LogError(config.GetLogger(), "ledgersync", "PubSubPushHandler", note.LedgerID, nil, err)
		}
		c.Status(http.StatusNoContent)
	}
}

// notifyChange publishes a change notification for other clients of the same
// ledger. Best effort.
func (s *Service) notifyChange(c *gin.Context, ledgerID string) {
	memberID, _ := utils.GetMemberIdFromContext(c.Request.Context())
	note := ChangeNotification{LedgerID: ledgerID, MemberID: memberID}
	if err := PublishChange(c.Request.Context(), note); err != nil {
		config.LogError(config.GetLogger(), "ledgersync", "notifyChange", ledgerID, nil, err)
	}
}

func abortWithSyncError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "access to this ledger was denied", "kind": "unauthorized"})
	case errors.Is(err, ErrUnreachable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the backend is unreachable, try again", "kind": "unreachable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func abortWithMutationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrConflict):
		// Distinguishable so the UI can say "modified elsewhere, refresh"
		// instead of a generic failure.
		c.JSON(http.StatusConflict, gin.H{"error": "this record was changed elsewhere, please refresh", "kind": "conflict"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "access to this ledger was denied", "kind": "unauthorized"})
	case errors.Is(err, ErrUnreachable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the backend is unreachable, try again", "kind": "unreachable"})
	case errors.Is(err, ErrRemoteRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "rejected"})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found", "kind": "not_found"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
