package federation

import (
	"context"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// ValidationRequest is the payload a peer votes on. Trace identifiers let the
// node continue the coordinator's trace.
type ValidationRequest struct {
	Summary domain.Summary `json:"summary"`
	TraceID string         `json:"trace_id,omitempty"`
	SpanID  string         `json:"span_id,omitempty"`
}

// Vote is one peer's answer.
type Vote struct {
	NodeID        string `json:"node_id"`
	TransactionID string `json:"transaction_id"`
	Approve       bool   `json:"approve"`
	Reason        string `json:"reason,omitempty"`
}

// Peer é um nó validador da federação
type Peer interface {
	ID() string
	Validate(ctx context.Context, req ValidationRequest) (Vote, error)
}

// Result summarises a federation round.
type Result struct {
	TransactionID string `json:"transaction_id"`
	Approvals     int    `json:"approvals"`
	Quorum        int    `json:"quorum"`
	Peers         int    `json:"peers"`
	Votes         []Vote `json:"votes"`
}
