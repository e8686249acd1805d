// Package httpapi exposes the coin ledger over an authenticated HTTP facade.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/marketmesh/coinledger/internal/access"
	"github.com/marketmesh/coinledger/internal/purchase"
	"github.com/marketmesh/coinledger/pkg/ledger"
)

// LedgerService is the slice of the ledger the API consumes.
type LedgerService interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	Award(ctx context.Context, userID ledger.UserID, amount ledger.CoinAmount, reason ledger.Reason, metadata ledger.MetadataJSON) (ledger.CreditResult, error)
	Refund(ctx context.Context, userID ledger.UserID, transactionID string, reason ledger.Reason, metadata ledger.MetadataJSON) (ledger.CreditResult, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error)
	ListAllTransactions(ctx context.Context, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error)
}

// PurchaseService sells coin packages.
type PurchaseService interface {
	Packages() []purchase.Package
	Purchase(ctx context.Context, userID ledger.UserID, packageID purchase.PackageID, paymentMethodRef string) (purchase.Receipt, error)
}

// AccessController gates paid resources.
type AccessController interface {
	Unlock(ctx context.Context, userID ledger.UserID, resourceID ledger.ResourceID) (access.Grant, error)
}

// Services bundles the collaborators behind the HTTP surface.
type Services struct {
	Ledger   LedgerService
	Purchase PurchaseService
	Access   AccessController
	Metrics  http.Handler
}

// Run boots the HTTP facade and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, services Services) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:   logger,
		services: services,
		cfg:      cfg,
	}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coin api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownGrace)
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
	if handler.services.Metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.services.Metrics))
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/coins/balance", handler.handleBalance)
	api.GET("/coins/packages", handler.handlePackages)
	api.POST("/coins/purchase", handler.handlePurchase)
	api.POST("/coins/unlock/:resourceId", handler.handleUnlock)
	api.GET("/coins/transactions", handler.handleTransactions)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/award/:userId", handler.handleAward)
	admin.POST("/refund/:userId", handler.handleRefund)
	admin.GET("/transactions", handler.handleAllTransactions)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      Config
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.services.Ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, BalanceEnvelope{Coins: balance.Coins})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	packages := handler.services.Purchase.Packages()
	payloads := make([]PackagePayload, 0, len(packages))
	for _, pkg := range packages {
		payloads = append(payloads, PackagePayload{
			ID:       string(pkg.ID),
			Coins:    pkg.Coins,
			PriceUSD: pkg.PriceUSD.StringFixed(2),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payloads})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var request PurchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_payload", "expected package and payment_method_id"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	receipt, err := handler.services.Purchase.Purchase(requestCtx, userID, purchase.PackageID(request.Package), request.PaymentMethodID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, PurchaseEnvelope{
		TransactionID: receipt.TransactionID,
		Coins:         receipt.Coins,
		NewBalance:    receipt.NewBalanceCoins,
		Replayed:      receipt.Replayed,
	})
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	resourceID, err := ledger.NewResourceID(ctx.Param("resourceId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_resource", "resource id is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grant, err := handler.services.Access.Unlock(requestCtx, userID, resourceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, UnlockEnvelope{
		Granted:       grant.Granted,
		AlreadyPaid:   grant.AlreadyPaid,
		CostCoins:     grant.CostCoins,
		NewBalance:    grant.NewBalanceCoins,
		TransactionID: grant.TransactionID,
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	before, limit, ok := handler.listingParams(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.services.Ledger.ListTransactions(requestCtx, userID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, TransactionsEnvelope{Transactions: mapTransactionPayloads(transactions)})
}

func (handler *httpHandler) handleAward(ctx *gin.Context) {
	targetID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_user", "user id is required"))
		return
	}
	var request AwardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_payload", "expected amount and reason"))
		return
	}
	amount, err := ledger.NewCoinAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	reason, err := ledger.NewReason(request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"awarded_by":%q}`, actingUserID(ctx)))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.services.Ledger.Award(requestCtx, targetID, amount, reason, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, AwardEnvelope{
		TransactionID: result.Transaction.TransactionID,
		NewBalance:    result.NewBalanceCoins,
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	targetID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_user", "user id is required"))
		return
	}
	var request RefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_payload", "expected transaction_id and reason"))
		return
	}
	reason, err := ledger.NewReason(request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"refunded_by":%q}`, actingUserID(ctx)))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.services.Ledger.Refund(requestCtx, targetID, request.TransactionID, reason, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, AwardEnvelope{
		TransactionID: result.Transaction.TransactionID,
		NewBalance:    result.NewBalanceCoins,
	})
}

func (handler *httpHandler) handleAllTransactions(ctx *gin.Context) {
	before, limit, ok := handler.listingParams(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.services.Ledger.ListAllTransactions(requestCtx, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, TransactionsEnvelope{Transactions: mapTransactionPayloads(transactions)})
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope("unauthorized", "missing session"))
		return
	}
	for _, role := range claims.GetUserRoles() {
		if role == handler.cfg.AdminRole {
			ctx.Next()
			return
		}
	}
	ctx.AbortWithStatusJSON(http.StatusForbidden, errorEnvelope("forbidden", "admin role required"))
}

func (handler *httpHandler) sessionUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorEnvelope("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorEnvelope("unauthorized", "invalid session subject"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) listingParams(ctx *gin.Context) (int64, int, bool) {
	before := int64(0)
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_before", "before must be a unix timestamp"))
			return 0, 0, false
		}
		before = parsed
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_limit", "limit must be a positive integer"))
			return 0, 0, false
		}
		limit = parsed
	}
	return before, normalizeHistoryLimit(limit), true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusForbidden, ErrorEnvelope{Error: ErrorPayload{
			Code:      "insufficient_funds",
			Message:   "not enough coins",
			Required:  insufficient.RequiredCoins,
			Available: insufficient.AvailableCoins,
		}})
	case errors.Is(err, purchase.ErrUnknownPackage):
		ctx.JSON(http.StatusBadRequest, errorEnvelope("unknown_package", "no such coin package"))
	case errors.Is(err, purchase.ErrPaymentDeclined):
		ctx.JSON(http.StatusPaymentRequired, errorEnvelope("payment_declined", "payment was declined"))
	case errors.Is(err, ledger.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorEnvelope("account_not_found", "no such account"))
	case errors.Is(err, ledger.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorEnvelope("transaction_not_found", "no such transaction"))
	case errors.Is(err, ledger.ErrNotRefundable):
		ctx.JSON(http.StatusConflict, errorEnvelope("not_refundable", "only completed spends can be refunded"))
	case errors.Is(err, ledger.ErrPersistenceConflict):
		ctx.JSON(http.StatusServiceUnavailable, errorEnvelope("conflict", "temporary contention, retry"))
	case isValidationError(err):
		ctx.JSON(http.StatusBadRequest, errorEnvelope("invalid_request", err.Error()))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorEnvelope("internal", "internal error"))
	}
}

func isValidationError(err error) bool {
	validationSentinels := []error{
		ledger.ErrInvalidUserID,
		ledger.ErrInvalidCoinAmount,
		ledger.ErrInvalidReason,
		ledger.ErrInvalidResourceID,
		ledger.ErrInvalidExternalRef,
		ledger.ErrInvalidMetadataJSON,
		ledger.ErrInvalidTransactionKind,
	}
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func actingUserID(ctx *gin.Context) string {
	claims := getClaims(ctx)
	if claims == nil {
		return ""
	}
	return claims.GetUserID()
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorEnvelope(code string, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorPayload{Code: code, Message: message}}
}
