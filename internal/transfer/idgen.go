package transfer

import (
	"fmt"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IDGenerator hands out transaction IDs.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator gera IDs aleatórios
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }

// DTMGenerator asks a DTM server for a global transaction ID so transfers can
// be correlated with other DTM-coordinated work. It falls back to a UUID when
// the server is unreachable.
type DTMGenerator struct {
	server   string
	fallback IDGenerator
	logger   *zap.Logger
}

func NewDTMGenerator(server string, logger *zap.Logger) *DTMGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DTMGenerator{server: server, fallback: UUIDGenerator{}, logger: logger}
}

func (g *DTMGenerator) NewID() (gid string) {
	// MustGenGid entra em pânico quando o DTM está indisponível
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("dtm unavailable, using uuid transaction id",
				zap.String("server", g.server),
				zap.Error(fmt.Errorf("%v", r)))
			gid = g.fallback.NewID()
		}
	}()

	gid = dtmcli.MustGenGid(g.server)
	if gid == "" {
		return g.fallback.NewID()
	}
	return gid
}
