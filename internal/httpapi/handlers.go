package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/transfer"
)

// TransferService define a interface do coordenador usada pelos handlers
type TransferService interface {
	InitiateTransfer(ctx context.Context, req transfer.TransferRequest) (*domain.Transaction, error)
	SubmitTransfer(ctx context.Context, req transfer.TransferRequest) (*domain.Transaction, error)
	GetStatus(ctx context.Context, txID string) (*domain.Transaction, error)
	Postings(ctx context.Context, txID string) ([]domain.Posting, error)
	GetBalance(ctx context.Context, accountID, currency string) (*domain.Account, error)
}

// AccountService is the registration hook of the identity system.
type AccountService interface {
	OpenAccount(ctx context.Context, accountID, currency string, opening decimal.Decimal) (*domain.Account, error)
	FreezeAccount(ctx context.Context, accountID, currency string, frozen bool) (*domain.Account, error)
}

// HealthCheck reports a dependency failure.
type HealthCheck func(ctx context.Context) error

// Handler contém os handlers HTTP
type Handler struct {
	transfers TransferService
	accounts  AccountService
	checks    map[string]HealthCheck
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewHandler cria uma nova instância de Handler
func NewHandler(transfers TransferService, accounts AccountService, checks map[string]HealthCheck, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		transfers: transfers,
		accounts:  accounts,
		checks:    checks,
		tracer:    tracer,
		logger:    logger,
	}
}

// CreateTransfer executa a transferência de forma síncrona
func (h *Handler) CreateTransfer(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.CreateTransfer")
	defer span.End()

	var req transfer.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	span.SetAttributes(
		attribute.String("atp.sender_id", req.SenderID),
		attribute.String("atp.receiver_id", req.ReceiverID),
		attribute.String("atp.amount", req.Amount.String()),
		attribute.String("atp.currency", req.Currency),
	)

	tx, err := h.transfers.InitiateTransfer(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.CodeOf(err))
		writeError(c, err, tx)
		return
	}

	span.SetAttributes(attribute.String("atp.transaction_id", tx.TransactionID))
	c.JSON(http.StatusOK, tx)
}

// SubmitTransfer enfileira a transferência e retorna 202 Accepted
func (h *Handler) SubmitTransfer(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.SubmitTransfer")
	defer span.End()

	var req transfer.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}

	tx, err := h.transfers.SubmitTransfer(ctx, req)
	if err != nil {
		span.RecordError(err)
		writeError(c, err, tx)
		return
	}

	span.SetAttributes(attribute.String("atp.transaction_id", tx.TransactionID))
	c.Header("Location", "/api/transfers/"+tx.TransactionID)
	c.JSON(http.StatusAccepted, tx)
}

// TransferResponse is a transaction record plus its ledger journal.
type TransferResponse struct {
	*domain.Transaction
	Postings []domain.Posting `json:"postings"`
}

// GetTransfer retorna o estado de uma transação
func (h *Handler) GetTransfer(c *gin.Context) {
	ctx := c.Request.Context()
	tx, err := h.transfers.GetStatus(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}

	postings, err := h.transfers.Postings(ctx, tx.TransactionID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if postings == nil {
		postings = []domain.Posting{}
	}
	c.JSON(http.StatusOK, TransferResponse{Transaction: tx, Postings: postings})
}

// BalanceResponse is an account snapshot plus its total.
type BalanceResponse struct {
	*domain.Account
	Total decimal.Decimal `json:"total"`
}

// GetBalance retorna o saldo de uma conta
func (h *Handler) GetBalance(c *gin.Context) {
	currency := strings.ToUpper(strings.TrimSpace(c.Query("currency")))
	if currency == "" {
		writeError(c, fmt.Errorf("%w: currency query parameter is required", domain.ErrValidation), nil)
		return
	}

	acc, err := h.transfers.GetBalance(c.Request.Context(), c.Param("id"), currency)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{Account: acc, Total: acc.Total()})
}

// OpenAccountRequest is sent by the identity system once an identity is verified.
type OpenAccountRequest struct {
	AccountID      string          `json:"account_id" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// OpenAccount registra uma nova conta
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}

	acc, err := h.accounts.OpenAccount(c.Request.Context(), req.AccountID, req.Currency, req.OpeningBalance)
	if err != nil {
		writeError(c, err, nil)
		return
	}

	h.logger.Info("✅ account opened",
		zap.String("account_id", acc.AccountID),
		zap.String("currency", acc.Currency))
	c.JSON(http.StatusCreated, acc)
}

// FreezeRequest toggles the frozen flag; Frozen defaults to true.
type FreezeRequest struct {
	Currency string `json:"currency" binding:"required"`
	Frozen   *bool  `json:"frozen"`
}

// FreezeAccount congela ou descongela uma conta
func (h *Handler) FreezeAccount(c *gin.Context) {
	var req FreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}

	frozen := true
	if req.Frozen != nil {
		frozen = *req.Frozen
	}

	acc, err := h.accounts.FreezeAccount(c.Request.Context(), c.Param("id"), strings.ToUpper(req.Currency), frozen)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// HealthCheck verifica a saúde do serviço
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"service":      "ledger-service",
		"dependencies": deps,
	})
}
