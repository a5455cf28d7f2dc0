package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// statusFor mapeia o código de erro para o status HTTP
func statusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeSequentialViolation, domain.CodeFederationDisagreement, domain.CodeLockExpired:
		return http.StatusConflict
	case domain.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeFederationTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error       string              `json:"error"`
	Message     string              `json:"message"`
	Retryable   bool                `json:"retryable"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

func writeError(c *gin.Context, err error, tx *domain.Transaction) {
	status, code := statusFor(err), domain.CodeOf(err)
	switch {
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, domain.CodeValidation
	case code == "":
		code = "internal_error"
	}

	c.JSON(status, ErrorResponse{
		Error:       code,
		Message:     err.Error(),
		Retryable:   domain.IsRetryable(err),
		Transaction: tx,
	})
}

var errBadRequest = errors.New("invalid request body")
