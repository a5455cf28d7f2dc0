package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/transfer"
)

// MockTransferService é um mock do coordenador
type MockTransferService struct {
	mock.Mock
}

func (m *MockTransferService) InitiateTransfer(ctx context.Context, req transfer.TransferRequest) (*domain.Transaction, error) {
	args := m.Called(ctx, req)
	tx, _ := args.Get(0).(*domain.Transaction)
	return tx, args.Error(1)
}

func (m *MockTransferService) SubmitTransfer(ctx context.Context, req transfer.TransferRequest) (*domain.Transaction, error) {
	args := m.Called(ctx, req)
	tx, _ := args.Get(0).(*domain.Transaction)
	return tx, args.Error(1)
}

func (m *MockTransferService) GetStatus(ctx context.Context, txID string) (*domain.Transaction, error) {
	args := m.Called(ctx, txID)
	tx, _ := args.Get(0).(*domain.Transaction)
	return tx, args.Error(1)
}

func (m *MockTransferService) Postings(ctx context.Context, txID string) ([]domain.Posting, error) {
	args := m.Called(ctx, txID)
	postings, _ := args.Get(0).([]domain.Posting)
	return postings, args.Error(1)
}

func (m *MockTransferService) GetBalance(ctx context.Context, accountID, currency string) (*domain.Account, error) {
	args := m.Called(ctx, accountID, currency)
	acc, _ := args.Get(0).(*domain.Account)
	return acc, args.Error(1)
}

// MockAccountService é um mock do ledger
type MockAccountService struct {
	mock.Mock
}

func (m *MockAccountService) OpenAccount(ctx context.Context, accountID, currency string, opening decimal.Decimal) (*domain.Account, error) {
	args := m.Called(ctx, accountID, currency, opening)
	acc, _ := args.Get(0).(*domain.Account)
	return acc, args.Error(1)
}

func (m *MockAccountService) FreezeAccount(ctx context.Context, accountID, currency string, frozen bool) (*domain.Account, error) {
	args := m.Called(ctx, accountID, currency, frozen)
	acc, _ := args.Get(0).(*domain.Account)
	return acc, args.Error(1)
}

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	transfers *MockTransferService
	accounts  *MockAccountService
	registry  *prometheus.Registry
	router    *gin.Engine
}

func newFixture(checks map[string]HealthCheck) *fixture {
	f := &fixture{
		transfers: new(MockTransferService),
		accounts:  new(MockAccountService),
		registry:  prometheus.NewRegistry(),
	}
	h := NewHandler(f.transfers, f.accounts, checks, noop.NewTracerProvider().Tracer("test"), nil)
	f.router = NewRouter(h, RouterOptions{Gatherer: f.registry})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func transferBody() map[string]any {
	return map[string]any{
		"sender_id":   "alice",
		"receiver_id": "bob",
		"amount":      "100.50",
		"currency":    "USD",
	}
}

func sampleTx(state domain.TransactionState) *domain.Transaction {
	tx := domain.NewTransaction("tx-1", "alice", "bob", decimal.RequireFromString("100.50"), "USD")
	tx.State = state
	return tx
}

func TestCreateTransfer_Success(t *testing.T) {
	// Arrange
	f := newFixture(nil)
	f.transfers.On("InitiateTransfer", mock.Anything, mock.MatchedBy(func(req transfer.TransferRequest) bool {
		return req.SenderID == "alice" && req.Amount.Equal(decimal.RequireFromString("100.50"))
	})).Return(sampleTx(domain.TxStateCompleted), nil)

	// Act
	w := f.do(t, http.MethodPost, "/api/transfers", transferBody())

	// Assert
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "tx-1", got.TransactionID)
	assert.Equal(t, domain.TxStateCompleted, got.State)
	f.transfers.AssertExpectations(t)
}

func TestCreateTransfer_ErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		retryable  bool
	}{
		{domain.ErrValidation, http.StatusBadRequest, false},
		{domain.ErrSequentialViolation, http.StatusConflict, true},
		{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, false},
		{domain.ErrNotFound, http.StatusNotFound, false},
		{domain.ErrFederationTimeout, http.StatusGatewayTimeout, false},
		{domain.ErrFederationDisagreement, http.StatusConflict, false},
		{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, true},
		{domain.ErrProtocolViolation, http.StatusInternalServerError, false},
		{domain.ErrLockExpired, http.StatusConflict, false},
	}

	for _, tt := range tests {
		t.Run(domain.CodeOf(tt.err), func(t *testing.T) {
			f := newFixture(nil)
			wrapped := fmt.Errorf("%w: details", tt.err)
			f.transfers.On("InitiateTransfer", mock.Anything, mock.Anything).
				Return(sampleTx(domain.TxStateFailed), wrapped)

			w := f.do(t, http.MethodPost, "/api/transfers", transferBody())

			assert.Equal(t, tt.wantStatus, w.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, domain.CodeOf(tt.err), body.Error)
			assert.Equal(t, tt.retryable, body.Retryable)
			require.NotNil(t, body.Transaction)
			assert.Equal(t, domain.TxStateFailed, body.Transaction.State)
		})
	}
}

func TestCreateTransfer_UnknownErrorIsInternal(t *testing.T) {
	f := newFixture(nil)
	f.transfers.On("InitiateTransfer", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	w := f.do(t, http.MethodPost, "/api/transfers", transferBody())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
	assert.NotContains(t, w.Body.String(), `"transaction"`)
}

func TestCreateTransfer_BadBody(t *testing.T) {
	f := newFixture(nil)

	w := f.do(t, http.MethodPost, "/api/transfers", `{"sender_id": "alice"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/transfers", map[string]any{"sender_id": "alice", "amount": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), domain.CodeValidation)

	f.transfers.AssertNotCalled(t, "InitiateTransfer", mock.Anything, mock.Anything)
}

func TestSubmitTransfer_Accepted(t *testing.T) {
	f := newFixture(nil)
	f.transfers.On("SubmitTransfer", mock.Anything, mock.Anything).Return(sampleTx(domain.TxStateInitiated), nil)

	w := f.do(t, http.MethodPost, "/api/transfers/async", transferBody())

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/transfers/tx-1", w.Header().Get("Location"))
}

func TestGetTransfer(t *testing.T) {
	f := newFixture(nil)
	f.transfers.On("GetStatus", mock.Anything, "tx-1").Return(sampleTx(domain.TxStateCompleted), nil)
	f.transfers.On("GetStatus", mock.Anything, "missing").Return(nil, fmt.Errorf("%w: transaction missing", domain.ErrNotFound))
	f.transfers.On("Postings", mock.Anything, "tx-1").Return([]domain.Posting{
		{TransactionID: "tx-1", AccountID: "alice", Currency: "USD", Kind: domain.PostingDebitLock, Amount: decimal.NewFromInt(100)},
		{TransactionID: "tx-1", AccountID: "bob", Currency: "USD", Kind: domain.PostingCredit, Amount: decimal.NewFromInt(100)},
	}, nil)

	w := f.do(t, http.MethodGet, "/api/transfers/tx-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body TransferResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "tx-1", body.TransactionID)
	assert.Equal(t, domain.TxStateCompleted, body.State)
	require.Len(t, body.Postings, 2)
	assert.Equal(t, domain.PostingDebitLock, body.Postings[0].Kind)

	w = f.do(t, http.MethodGet, "/api/transfers/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBalance(t *testing.T) {
	f := newFixture(nil)
	acc := domain.NewAccount("alice", "USD", decimal.NewFromInt(900))
	acc.Locked = decimal.NewFromInt(100)
	f.transfers.On("GetBalance", mock.Anything, "alice", "USD").Return(acc, nil)

	w := f.do(t, http.MethodGet, "/api/accounts/alice/balance?currency=usd", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AccountID string          `json:"account_id"`
		Available decimal.Decimal `json:"available"`
		Locked    decimal.Decimal `json:"locked"`
		Total     decimal.Decimal `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alice", body.AccountID)
	assert.True(t, body.Total.Equal(decimal.NewFromInt(1000)))

	w = f.do(t, http.MethodGet, "/api/accounts/alice/balance", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenAndFreezeAccount(t *testing.T) {
	f := newFixture(nil)
	acc := domain.NewAccount("carol", "USD", decimal.NewFromInt(50))
	f.accounts.On("OpenAccount", mock.Anything, "carol", "USD", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.NewFromInt(50))
	})).Return(acc, nil)
	frozen := *acc
	frozen.Frozen = true
	f.accounts.On("FreezeAccount", mock.Anything, "carol", "USD", true).Return(&frozen, nil)

	w := f.do(t, http.MethodPost, "/internal/accounts", map[string]any{
		"account_id": "carol", "currency": "USD", "opening_balance": "50",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/internal/accounts/carol/freeze", map[string]any{"currency": "usd"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"frozen":true`)

	f.accounts.AssertExpectations(t)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	f = newFixture(map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(nil)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "atp_test_total", Help: "test"})
	f.registry.MustRegister(counter)
	counter.Inc()

	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "atp_test_total 1")
}

func TestRecovery(t *testing.T) {
	f := newFixture(nil)
	f.transfers.On("GetStatus", mock.Anything, "tx-panic").Panic("unexpected")

	w := f.do(t, http.MethodGet, "/api/transfers/tx-panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
