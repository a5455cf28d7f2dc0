package federation

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// startSpanFromPayload creates a child span linked to the propagated trace context
func startSpanFromPayload(c *gin.Context, operationName string, req ValidationRequest) (context.Context, trace.Span) {
	ctx := c.Request.Context()

	if req.TraceID != "" && req.SpanID != "" {
		parsedTraceID, _ := trace.TraceIDFromHex(req.TraceID)
		parsedSpanID, _ := trace.SpanIDFromHex(req.SpanID)

		spanContext := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    parsedTraceID,
			SpanID:     parsedSpanID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})

		ctx = trace.ContextWithSpanContext(ctx, spanContext)
	}

	return otel.Tracer("validator-node").Start(ctx, operationName)
}

// HandleValidate handler do voto de um nó validador
func HandleValidate(node *Node, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ValidationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("invalid validation request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		ctx, span := startSpanFromPayload(c, "federation.Vote", req)
		defer span.End()

		vote := node.Vote(ctx, req.Summary)
		span.SetAttributes(
			attribute.String("atp.transaction_id", req.Summary.TransactionID),
			attribute.Bool("atp.approve", vote.Approve),
		)

		c.JSON(http.StatusOK, vote)
	}
}

// RegisterRoutes mounts the node endpoint.
func RegisterRoutes(r gin.IRouter, node *Node, logger *zap.Logger) {
	r.POST(validatePath, HandleValidate(node, logger))
}
