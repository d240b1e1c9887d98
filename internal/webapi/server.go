package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/riseforgood/credits/pkg/credits"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const authClaimsKey = "auth_claims"

// Run boots the HTTP API over the supplied credit service.
func Run(ctx context.Context, cfg Config, service *credits.Service, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Authenticated by the provider's signature, not by a session.
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(authClaimsKey))

	api.GET("/credits", handler.handleCredits)
	api.POST("/generations", handler.handleGeneration)
	api.GET("/purchases", handler.handlePurchases)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credits.Service
	cfg     Config
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "credits unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"credits": balancePayloadOf(balance)})
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Consume(requestCtx, userID)
	if err != nil {
		if errors.Is(err, credits.ErrCreditsExhausted) {
			ctx.JSON(http.StatusPaymentRequired, errorResponse("credits_exhausted", "no image generation credits remaining"))
			return
		}
		handler.logger.Error("credit consume failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "credit update failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"credits": balancePayloadOf(balance),
	})
}

func (handler *httpHandler) handlePurchases(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	receipts, err := handler.service.PurchaseHistory(requestCtx, userID, PurchaseHistoryLimit())
	if err != nil {
		handler.logger.Error("purchase history fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "purchase history unavailable"))
		return
	}
	payload := make([]receiptPayload, 0, len(receipts))
	for _, receipt := range receipts {
		payload = append(payload, receiptPayload{
			EventID:        receipt.EventID,
			Credits:        receipt.Credits,
			Metadata:       json.RawMessage(receipt.MetadataJSON),
			CreatedUnixUTC: receipt.CreatedAt.Unix(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": payload})
}

func (handler *httpHandler) sessionUserID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user id"))
		return credits.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	FreeCredits      int64  `json:"free_credits"`
	PurchasedCredits int64  `json:"purchased_credits"`
	TotalCredits     int64  `json:"total_credits"`
	ResetPeriod      string `json:"reset_period"`
}

func balancePayloadOf(balance credits.Balance) balancePayload {
	return balancePayload{
		FreeCredits:      balance.FreeCredits,
		PurchasedCredits: balance.PurchasedCredits,
		TotalCredits:     balance.Total(),
		ResetPeriod:      balance.ResetPeriod,
	}
}

type receiptPayload struct {
	EventID        string          `json:"event_id"`
	Credits        int64           `json:"credits"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
