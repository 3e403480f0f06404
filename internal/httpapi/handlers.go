package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/atelierworks/credits/pkg/credits"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	minimumPurchaseCredits int64 = 50
	purchaseStepCredits    int64 = 50
	purchaseNote                 = "Credits purchase"
)

type chargeRequest struct {
	Operation string `json:"operation"`
	Tier      string `json:"tier"`
	Metadata  string `json:"metadata"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type purchaseRequest struct {
	Credits  int64  `json:"credits"`
	Metadata string `json:"metadata"`
}

type receiptPayload struct {
	TransactionID    string `json:"transaction_id"`
	RemainingBalance int64  `json:"remaining_balance"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	SignedAmount   int64  `json:"signed_amount"`
	Operation      string `json:"operation"`
	Note           string `json:"note"`
	Metadata       string `json:"metadata"`
	Refunded       bool   `json:"refunded"`
	RefundOf       string `json:"refund_of,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type consistencyPayload struct {
	AccountID  string `json:"account_id"`
	Consistent bool   `json:"consistent"`
	Primary    int64  `json:"primary_balance"`
	Mirror     int64  `json:"mirror_balance"`
	Replayed   int64  `json:"replayed_balance"`
	Frozen     bool   `json:"frozen"`
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, ok := server.accountIDFromContext(ctx)
	if !ok {
		return
	}
	// First touch provisions the account with the welcome grant.
	balance, err := server.service.OpenAccount(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id": accountID.String(),
		"balance":    balance.Int64(),
	})
}

func (server *Server) handleCharge(ctx *gin.Context) {
	accountID, ok := server.accountIDFromContext(ctx)
	if !ok {
		return
	}
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	operation, err := credits.NewOperationKey(request.Operation)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_operation", "operation is required"))
		return
	}
	metadata, err := credits.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}
	receipt, err := server.service.Charge(ctx.Request.Context(), accountID, operation, credits.NewTier(request.Tier), metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, receiptPayload{
		TransactionID:    receipt.TransactionID.String(),
		RemainingBalance: receipt.RemainingBalance.Int64(),
	})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	accountID, ok := server.accountIDFromContext(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transactionID, err := credits.NewTransactionID(request.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_id", "transaction_id is required"))
		return
	}
	receipt, err := server.service.Refund(ctx.Request.Context(), accountID, transactionID, request.Reason)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, receiptPayload{
		TransactionID:    receipt.TransactionID.String(),
		RemainingBalance: receipt.RemainingBalance.Int64(),
	})
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	accountID, ok := server.accountIDFromContext(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Credits < minimumPurchaseCredits || request.Credits%purchaseStepCredits != 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits",
			fmt.Sprintf("credits must be >= %d and in steps of %d", minimumPurchaseCredits, purchaseStepCredits)))
		return
	}
	amount, err := credits.NewPositiveCredits(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", "credits must be positive"))
		return
	}
	metadata, err := credits.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}
	receipt, err := server.service.Grant(ctx.Request.Context(), accountID, amount, credits.KindPurchase, purchaseNote, metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, receiptPayload{
		TransactionID:    receipt.TransactionID.String(),
		RemainingBalance: receipt.RemainingBalance.Int64(),
	})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	accountID, ok := server.accountIDFromContext(ctx)
	if !ok {
		return
	}
	before, ok := queryInt(ctx, "before", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(ctx, "limit", 0)
	if !ok {
		return
	}
	transactions, err := server.auditor.ListTransactions(ctx.Request.Context(), accountID, before, int(limit))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID:  transaction.TransactionID.String(),
			Kind:           transaction.Kind.String(),
			Amount:         transaction.Amount.Int64(),
			SignedAmount:   transaction.SignedAmount(),
			Operation:      transaction.Operation,
			Note:           transaction.Note,
			Metadata:       transaction.MetadataJSON,
			Refunded:       transaction.Refunded,
			RefundOf:       transaction.RefundOf,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) handleConsistency(ctx *gin.Context) {
	accountID, ok := server.accountIDFromContext(ctx)
	if !ok {
		return
	}
	report, err := server.auditor.CheckConsistency(ctx.Request.Context(), accountID)
	if err != nil && !errors.Is(err, credits.ErrDesyncDetected) {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, consistencyPayload{
		AccountID:  report.AccountID.String(),
		Consistent: report.Consistent(),
		Primary:    report.Primary.Int64(),
		Mirror:     report.Mirror.Int64(),
		Replayed:   report.Replayed,
		Frozen:     report.Frozen,
	})
}

func (server *Server) accountIDFromContext(ctx *gin.Context) (credits.AccountID, bool) {
	accountID, err := credits.NewAccountID(callerAccountID(ctx))
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.AccountID{}, false
	}
	return accountID, true
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	var insufficient *credits.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_credits",
				"message":   "not enough credits for this operation",
				"balance":   insufficient.Balance.Int64(),
				"cost":      insufficient.Cost.Int64(),
				"shortfall": insufficient.Shortfall(),
			},
		})
	case errors.Is(err, credits.ErrPricingNotFound), errors.Is(err, credits.ErrPricingUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("pricing_unavailable", "operation cost could not be determined"))
	case errors.Is(err, credits.ErrAccountFrozen):
		ctx.JSON(http.StatusLocked, errorResponse("account_frozen", "account is frozen pending reconciliation"))
	case errors.Is(err, credits.ErrAlreadyRefunded):
		ctx.JSON(http.StatusConflict, errorResponse("already_refunded", "transaction was already refunded"))
	case errors.Is(err, credits.ErrNotRefundable):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("not_refundable", "only debits can be refunded"))
	case errors.Is(err, credits.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", "unknown transaction"))
	case errors.Is(err, credits.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "unknown account"))
	case errors.Is(err, credits.ErrInvalidListLimit):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must not be negative"))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func queryInt(ctx *gin.Context, name string, fallback int64) (int64, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", fmt.Sprintf("%s must be an integer", name)))
		return 0, false
	}
	return value, true
}
