// Package api exposes the ledger over HTTP with gin.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/ledger"
	"github.com/gitdigital/ledgercore/internal/merkle"
	"github.com/gitdigital/ledgercore/internal/model"
	"github.com/gitdigital/ledgercore/internal/storage"
	"go.uber.org/zap"
)

// ledgerService is the interface expected by Handler, satisfied by *ledger.Ledger.
type ledgerService interface {
	Append(ctx context.Context, ev model.Event, metadata json.RawMessage, opts ...ledger.AppendOption) (*model.Record, error)
	Get(ctx context.Context, eventID string) (*model.Record, error)
	Proof(ctx context.Context, eventID string) (*ledger.InclusionProof, error)
	AuditTrail(ctx context.Context, f storage.Filter) ([]*model.Record, error)
	VerifyIntegrity(ctx context.Context) error
	MerkleRoot() ledger.RootInfo
}

// Handler serves the ledger HTTP API.
type Handler struct {
	ledger ledgerService
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(l ledgerService, logger *zap.Logger) *Handler {
	return &Handler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on rg. appendGuards run before
// POST /events only.
func (h *Handler) Register(rg *gin.RouterGroup, appendGuards ...gin.HandlerFunc) {
	rg.GET("/health", h.Health)
	rg.POST("/events", append(slices.Clone(appendGuards), h.AppendEvent)...)
	rg.GET("/events/:id", h.GetEvent)
	rg.GET("/events/:id/proof", h.GetProof)
	rg.GET("/audit", h.AuditTrail)
	rg.GET("/integrity", h.VerifyIntegrity)
	rg.GET("/merkle-root", h.MerkleRoot)
}

// ─── Request / Response types ────────────────────────────────────────────────

type appendEvent struct {
	EntityID  string          `json:"entity_id" binding:"required"`
	EventType string          `json:"event_type" binding:"required"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata"`
}

// AppendRequest is the body of POST /events.
type AppendRequest struct {
	Event     appendEvent     `json:"event"`
	Metadata  json.RawMessage `json:"metadata"`
	ChainID   string          `json:"chain_id"`
	EventID   string          `json:"event_id"`
	Signature []byte          `json:"signature"`
}

// AppendResponse is returned by POST /events.
type AppendResponse struct {
	EventID    string      `json:"event_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Status     string      `json:"status"`
	ChainID    string      `json:"chain_id"`
	Sequence   uint64      `json:"sequence"`
	Digest     digest.Hash `json:"digest"`
	MerkleRoot digest.Hash `json:"merkle_root"`
}

// IntegrityResponse is returned by GET /integrity.
type IntegrityResponse struct {
	IsValid    bool      `json:"is_valid"`
	VerifiedAt time.Time `json:"verified_at"`
	Message    string    `json:"message"`
	ChainID    string    `json:"chain_id,omitempty"`
	Index      *int      `json:"index,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
}

// RootResponse is returned by GET /merkle-root.
type RootResponse struct {
	MerkleRoot digest.Hash `json:"merkle_root"`
	TreeSize   int         `json:"tree_size"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
}

// AppendEvent handles POST /events.
func (h *Handler) AppendEvent(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := model.Event{
		EntityID:  req.Event.EntityID,
		EventType: req.Event.EventType,
		Data:      req.Event.Data,
		Metadata:  req.Event.Metadata,
	}
	var opts []ledger.AppendOption
	if req.ChainID != "" {
		opts = append(opts, ledger.WithChain(req.ChainID))
	}
	if req.EventID != "" {
		opts = append(opts, ledger.WithEventID(req.EventID))
	}
	if len(req.Signature) > 0 {
		opts = append(opts, ledger.WithSignature(req.Signature))
	}

	rec, err := h.ledger.Append(c.Request.Context(), ev, req.Metadata, opts...)
	if err != nil {
		h.writeAppendError(c, err)
		return
	}
	recordAppend("appended")
	treeSize.Set(float64(h.ledger.MerkleRoot().TreeSize))
	root, _ := merkle.RootFromPath(rec.Digest, rec.MerklePath)
	if claims := ClaimsFromCtx(c); claims != nil {
		h.logger.Debug("event appended",
			zap.String("event_id", rec.EventID),
			zap.String("writer", claims.Subject),
		)
	}

	c.JSON(http.StatusCreated, AppendResponse{
		EventID:    rec.EventID,
		Timestamp:  rec.Timestamp,
		Status:     "appended",
		ChainID:    rec.ChainID,
		Sequence:   rec.Sequence,
		Digest:     rec.Digest,
		MerkleRoot: root,
	})
}

func (h *Handler) writeAppendError(c *gin.Context, err error) {
	var (
		rej *ledger.RejectionError
		se  *ledger.StorageError
	)
	switch {
	case errors.As(err, &rej):
		recordRejection(rej.Rule)
		status := http.StatusUnprocessableEntity
		if rej.Rule == "duplicate_event_id" {
			status = http.StatusConflict
		}
		recordAppend("rejected")
		c.JSON(status, gin.H{"error": "event rejected", "rule": rej.Rule, "reason": rej.Reason})
	case errors.As(err, &se):
		recordAppend("storage_error")
		h.logger.Error("append storage failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger storage unavailable"})
	case errors.Is(err, ledger.ErrConcurrencyViolation):
		recordAppend("concurrency_violation")
		h.logger.Error("append concurrency violation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "concurrent append detected"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		recordAppend("cancelled")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		recordAppend("error")
		h.logger.Error("append failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append event"})
	}
}

// GetEvent handles GET /events/:id.
func (h *Handler) GetEvent(c *gin.Context) {
	rec, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeReadError(c, err, "failed to load event")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetProof handles GET /events/:id/proof.
func (h *Handler) GetProof(c *gin.Context) {
	proof, err := h.ledger.Proof(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeReadError(c, err, "failed to build inclusion proof")
		return
	}
	c.JSON(http.StatusOK, proof)
}

// AuditTrail handles GET /audit?entity_id=&chain_id=&start=&end=.
func (h *Handler) AuditTrail(c *gin.Context) {
	f := storage.Filter{
		EntityID: c.Query("entity_id"),
		ChainID:  c.Query("chain_id"),
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start", &f.Start}, {"end", &f.End}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": p.name + " must be an RFC 3339 timestamp"})
			return
		}
		*p.dst = &t
	}

	recs, err := h.ledger.AuditTrail(c.Request.Context(), f)
	if err != nil {
		h.writeReadError(c, err, "failed to query ledger")
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// VerifyIntegrity handles GET /integrity. A broken ledger is a successful
// check with is_valid=false; only a failure to read the records is an error.
func (h *Handler) VerifyIntegrity(c *gin.Context) {
	err := h.ledger.VerifyIntegrity(c.Request.Context())
	now := time.Now().UTC()

	var cie *ledger.ChainIntegrityError
	switch {
	case err == nil:
		recordIntegrityCheck(true)
		c.JSON(http.StatusOK, IntegrityResponse{IsValid: true, VerifiedAt: now, Message: "Ledger integrity verified"})
	case errors.As(err, &cie):
		recordIntegrityCheck(false)
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		resp := IntegrityResponse{
			VerifiedAt: now,
			Message:    "Ledger integrity check failed: " + cie.Reason,
			ChainID:    cie.ChainID,
			EventID:    cie.EventID,
		}
		if cie.Index >= 0 {
			idx := cie.Index
			resp.Index = &idx
		}
		c.JSON(http.StatusOK, resp)
	default:
		h.writeReadError(c, err, "failed to verify ledger")
	}
}

// MerkleRoot handles GET /merkle-root.
func (h *Handler) MerkleRoot(c *gin.Context) {
	info := h.ledger.MerkleRoot()
	treeSize.Set(float64(info.TreeSize))
	c.JSON(http.StatusOK, RootResponse{
		MerkleRoot: info.Root,
		TreeSize:   info.TreeSize,
		Timestamp:  info.UpdatedAt,
	})
}

func (h *Handler) writeReadError(c *gin.Context, err error, msg string) {
	var se *ledger.StorageError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.As(err, &se):
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger storage unavailable"})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
