// Package federation obtains quorum agreement on a transfer from a small set
// of trusted validator nodes, and implements the node side of that exchange.
//
// The federation is not Byzantine fault tolerant. A validator that lies, or a
// partition that hides a conflicting transfer from the quorum, defeats the
// double-spend guarantee; single-writer locking per account is what prevents
// double spends under an honest, reachable federation.
package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// Validator fans a summary out to every peer and waits for quorum.
type Validator struct {
	peers    []Peer
	quorum   int
	deadline time.Duration
	logger   *zap.Logger
}

// NewValidator cria o validador. quorum <= 0 means a simple majority.
func NewValidator(peers []Peer, quorum int, deadline time.Duration, logger *zap.Logger) (*Validator, error) {
	if len(peers) == 0 {
		return nil, errors.New("federation needs at least one peer")
	}
	if quorum <= 0 {
		quorum = len(peers)/2 + 1
	}
	if quorum > len(peers) {
		return nil, fmt.Errorf("quorum %d exceeds peer count %d", quorum, len(peers))
	}
	if deadline <= 0 {
		return nil, errors.New("federation deadline must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{peers: peers, quorum: quorum, deadline: deadline, logger: logger}, nil
}

// Quorum returns the number of approvals needed.
func (v *Validator) Quorum() int { return v.quorum }

// Deadline returns the hard limit of one round.
func (v *Validator) Deadline() time.Duration { return v.deadline }

type breakerPeer interface {
	State() gobreaker.State
}

// CheckHealth fails when so many peers have an open circuit breaker that
// quorum can no longer be reached.
func (v *Validator) CheckHealth(context.Context) error {
	open := 0
	for _, p := range v.peers {
		if bp, ok := p.(breakerPeer); ok && bp.State() == gobreaker.StateOpen {
			open++
		}
	}
	if len(v.peers)-open < v.quorum {
		return fmt.Errorf("%d of %d peers have an open circuit breaker, quorum is %d", open, len(v.peers), v.quorum)
	}
	return nil
}

type peerAnswer struct {
	peer string
	vote Vote
	err  error
}

// Validate waits for every peer to answer or for the deadline. Any explicit
// rejection vetoes the transfer with ErrFederationDisagreement, whatever the
// arrival order. It commits only when no rejection was seen and at least
// quorum peers approved by the time every peer answered or the deadline
// passed; otherwise it fails with ErrFederationTimeout. It fails early once
// quorum is out of reach. Outstanding calls are cancelled on return.
func (v *Validator) Validate(ctx context.Context, summary domain.Summary) (*Result, error) {
	roundCtx, cancel := context.WithTimeout(ctx, v.deadline)
	defer cancel()

	req := ValidationRequest{Summary: summary}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		req.TraceID = sc.TraceID().String()
		req.SpanID = sc.SpanID().String()
	}

	answers := make(chan peerAnswer, len(v.peers))
	for _, p := range v.peers {
		go func(p Peer) {
			vote, err := p.Validate(roundCtx, req)
			answers <- peerAnswer{peer: p.ID(), vote: vote, err: err}
		}(p)
	}

	result := &Result{TransactionID: summary.TransactionID, Quorum: v.quorum, Peers: len(v.peers)}
	unreachable := 0

	for received := 0; received < len(v.peers); received++ {
		select {
		case a := <-answers:
			if a.err != nil {
				unreachable++
				v.logger.Warn("[FEDERATION] peer unreachable",
					zap.String("peer", a.peer),
					zap.String("transaction_id", summary.TransactionID),
					zap.Error(a.err))
				if len(v.peers)-unreachable < v.quorum {
					return result, fmt.Errorf("%w: %d of %d peers unreachable", domain.ErrFederationTimeout, unreachable, len(v.peers))
				}
				continue
			}

			result.Votes = append(result.Votes, a.vote)
			if !a.vote.Approve {
				v.logger.Warn("[FEDERATION] veto",
					zap.String("peer", a.peer),
					zap.String("transaction_id", summary.TransactionID),
					zap.String("reason", a.vote.Reason))
				return result, fmt.Errorf("%w: %s: %s", domain.ErrFederationDisagreement, a.peer, a.vote.Reason)
			}
			result.Approvals++

		case <-roundCtx.Done():
			// Caller cancelled: nothing is committed
			if ctx.Err() != nil {
				return result, fmt.Errorf("%w: %v", domain.ErrFederationTimeout, ctx.Err())
			}
			if result.Approvals >= v.quorum {
				v.logger.Warn("[FEDERATION] deadline passed with silent peers",
					zap.String("transaction_id", summary.TransactionID),
					zap.Int("silent", len(v.peers)-received))
				return result, nil
			}
			return result, fmt.Errorf("%w: %d/%d approvals after %s", domain.ErrFederationTimeout, result.Approvals, v.quorum, v.deadline)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("%w: %v", domain.ErrFederationTimeout, err)
	}
	if result.Approvals >= v.quorum {
		return result, nil
	}
	return result, fmt.Errorf("%w: %d/%d approvals", domain.ErrFederationTimeout, result.Approvals, v.quorum)
}
