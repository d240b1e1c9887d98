package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/riseforgood/credits/pkg/credits"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB

	eventCheckoutSessionCompleted = "checkout.session.completed"
	metadataCreditsPurchased      = "credits_purchased"
)

// checkoutSession is a minimal representation of a Stripe checkout.session event.
type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// handleStripeWebhook verifies the provider signature over the raw payload and
// credits completed purchases. Permanently unprocessable events are
// acknowledged so the provider stops redelivering them; only transient
// failures return a server error to request a retry.
func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "failed to read request body"))
		return
	}

	signatureHeader := ctx.GetHeader("Stripe-Signature")
	if strings.TrimSpace(signatureHeader) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_signature", "missing Stripe signature"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, handler.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "invalid Stripe signature"))
		return
	}

	if event.Type != eventCheckoutSessionCompleted {
		handler.logger.Info("stripe webhook ignored",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		acknowledge(ctx)
		return
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		handler.logger.Error("stripe webhook session decode failed",
			zap.String("event_id", event.ID), zap.Error(err))
		acknowledge(ctx)
		return
	}

	userID, count, ok := handler.extractPurchase(event.ID, session)
	if !ok {
		acknowledge(ctx)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	metadata := marshalMetadata(map[string]string{"checkout_session_id": session.ID})
	record, err := handler.service.AddPurchasedCredits(requestCtx, userID, count, event.ID, metadata)
	switch {
	case errors.Is(err, credits.ErrDuplicatePurchase):
		handler.logger.Info("stripe webhook already processed",
			zap.String("event_id", event.ID),
			zap.String("user_id", userID.String()))
		acknowledge(ctx)
		return
	case errors.Is(err, credits.ErrInvalidUserID), errors.Is(err, credits.ErrInvalidCreditCount), errors.Is(err, credits.ErrInvalidMetadataJSON):
		handler.logger.Error("stripe webhook unprocessable purchase",
			zap.String("event_id", event.ID), zap.Error(err))
		acknowledge(ctx)
		return
	case err != nil:
		handler.logger.Error("stripe webhook credit top-up failed",
			zap.String("event_id", event.ID),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("processing_failed", "failed to add purchased credits"))
		return
	}

	handler.logger.Info("purchased credits added",
		zap.String("event_id", event.ID),
		zap.String("user_id", userID.String()),
		zap.Int64("credits", count),
		zap.Int64("purchased_total", record.PurchasedCredits))
	acknowledge(ctx)
}

// extractPurchase pulls the target user and credit count out of the session
// metadata. Any malformed field makes the event permanently unprocessable.
func (handler *httpHandler) extractPurchase(eventID string, session checkoutSession) (credits.UserID, int64, bool) {
	userID, err := credits.NewUserID(session.ClientReferenceID)
	if err != nil {
		handler.logger.Error("stripe webhook missing client_reference_id",
			zap.String("event_id", eventID))
		return credits.UserID{}, 0, false
	}
	rawCount := session.Metadata[metadataCreditsPurchased]
	if strings.TrimSpace(rawCount) == "" {
		handler.logger.Error("stripe webhook missing credits_purchased metadata",
			zap.String("event_id", eventID),
			zap.String("user_id", userID.String()))
		return credits.UserID{}, 0, false
	}
	count, err := strconv.ParseInt(strings.TrimSpace(rawCount), 10, 64)
	if err != nil || count <= 0 {
		handler.logger.Error("stripe webhook invalid credits_purchased value",
			zap.String("event_id", eventID),
			zap.String("user_id", userID.String()),
			zap.String("credits_purchased", rawCount))
		return credits.UserID{}, 0, false
	}
	return userID, count, true
}

func acknowledge(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func marshalMetadata(metadata any) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
