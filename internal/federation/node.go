package federation

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

const defaultReplayWindow = 100_000

// NodeConfig configura as regras de um nó validador
type NodeConfig struct {
	NodeID     string
	Currencies []string
	// MaxAmount is the per-transfer ceiling; zero disables it.
	MaxAmount decimal.Decimal
	// ReplayWindow bounds how many transaction summaries are remembered.
	ReplayWindow int
}

// Node is the validator side: it votes on transfer summaries.
type Node struct {
	id         string
	currencies map[string]struct{}
	maxAmount  decimal.Decimal
	window     int
	logger     *zap.Logger

	mu    sync.Mutex
	seen  map[string]domain.Summary
	order []string
}

// NewNode cria um nó validador
func NewNode(cfg NodeConfig, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.ReplayWindow
	if window <= 0 {
		window = defaultReplayWindow
	}
	currencies := make(map[string]struct{}, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		currencies[strings.ToUpper(c)] = struct{}{}
	}
	return &Node{
		id:         cfg.NodeID,
		currencies: currencies,
		maxAmount:  cfg.MaxAmount,
		window:     window,
		logger:     logger,
		seen:       make(map[string]domain.Summary),
	}
}

func (n *Node) ID() string { return n.id }

// Vote approves a summary unless it breaks a rule or reuses a transaction ID
// with different contents.
func (n *Node) Vote(_ context.Context, s domain.Summary) Vote {
	vote := Vote{NodeID: n.id, TransactionID: s.TransactionID}

	if reason := n.check(s); reason != "" {
		vote.Reason = reason
		n.logger.Info("[FEDERATION] rejecting transfer",
			zap.String("transaction_id", s.TransactionID),
			zap.String("reason", reason))
		return vote
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.seen[s.TransactionID]; ok {
		if !prev.SameContent(s) {
			vote.Reason = "transaction id replayed with different contents"
			return vote
		}
		vote.Approve = true
		return vote
	}

	n.seen[s.TransactionID] = s
	n.order = append(n.order, s.TransactionID)
	if len(n.order) > n.window {
		delete(n.seen, n.order[0])
		n.order = n.order[1:]
	}

	vote.Approve = true
	return vote
}

func (n *Node) check(s domain.Summary) string {
	switch {
	case s.TransactionID == "":
		return "missing transaction id"
	case s.SenderID == "" || s.ReceiverID == "":
		return "missing party"
	case s.SenderID == s.ReceiverID:
		return "sender and receiver are the same account"
	case !s.Amount.IsPositive():
		return "amount must be greater than 0"
	case !domain.WithinScale(s.Amount):
		return "amount has too many decimal places"
	}
	if len(n.currencies) > 0 {
		if _, ok := n.currencies[strings.ToUpper(s.Currency)]; !ok {
			return "unsupported currency " + s.Currency
		}
	}
	if n.maxAmount.IsPositive() && s.Amount.GreaterThan(n.maxAmount) {
		return "amount above per-transfer limit"
	}
	return ""
}

// LocalPeer exposes a Node in-process.
type LocalPeer struct {
	node *Node
}

func NewLocalPeer(node *Node) *LocalPeer {
	return &LocalPeer{node: node}
}

func (p *LocalPeer) ID() string { return p.node.ID() }

func (p *LocalPeer) Validate(ctx context.Context, req ValidationRequest) (Vote, error) {
	if err := ctx.Err(); err != nil {
		return Vote{}, err
	}
	return p.node.Vote(ctx, req.Summary), nil
}
