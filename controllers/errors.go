package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront-orders/services"
)

// apiError 错误响应中的 status、code 与附加字段
type apiError struct {
	status  int
	code    string
	details gin.H
}

// mapError 将业务错误映射为 HTTP 状态码与错误码
func mapError(err error) apiError {
	var (
		addrErr       *services.InvalidAddressError
		qtyErr        *services.InvalidQuantityError
		productErr    *services.ProductNotFoundError
		variantErr    *services.VariantNotFoundError
		stockErr      *services.InsufficientStockError
		transitionErr *services.InvalidTransitionError
		invalidProd   *services.InvalidProductError
	)

	switch {
	case errors.Is(err, services.ErrEmptyCart):
		return apiError{status: http.StatusBadRequest, code: "empty_cart"}
	case errors.As(err, &addrErr):
		return apiError{status: http.StatusBadRequest, code: "invalid_address", details: gin.H{"field": addrErr.Field}}
	case errors.As(err, &qtyErr):
		return apiError{status: http.StatusBadRequest, code: "invalid_quantity", details: gin.H{
			"product_id": qtyErr.ProductID,
			"quantity":   qtyErr.Quantity,
		}}
	case errors.Is(err, services.ErrUnknownUser):
		return apiError{status: http.StatusForbidden, code: "unknown_user"}
	case errors.As(err, &productErr):
		return apiError{status: http.StatusNotFound, code: "product_not_found", details: gin.H{"product_id": productErr.ProductID}}
	case errors.As(err, &variantErr):
		return apiError{status: http.StatusConflict, code: "variant_not_found", details: gin.H{
			"product_id": variantErr.ProductID,
			"variant_id": variantErr.VariantID,
			"size":       variantErr.Size,
		}}
	case errors.As(err, &stockErr):
		return apiError{status: http.StatusConflict, code: "insufficient_stock", details: gin.H{
			"product_id": stockErr.ProductID,
			"variant_id": stockErr.VariantID,
			"size":       stockErr.Size,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		}}
	case errors.Is(err, services.ErrTransactionAborted):
		return apiError{status: http.StatusServiceUnavailable, code: "transaction_aborted", details: gin.H{"retryable": true}}
	case errors.As(err, &invalidProd):
		return apiError{status: http.StatusBadRequest, code: "invalid_product", details: gin.H{"field": invalidProd.Field}}
	case errors.Is(err, services.ErrOrderNotFound):
		return apiError{status: http.StatusNotFound, code: "order_not_found"}
	case errors.As(err, &transitionErr):
		return apiError{status: http.StatusConflict, code: "invalid_transition", details: gin.H{
			"from": transitionErr.From,
			"to":   transitionErr.To,
		}}
	case errors.Is(err, services.ErrInvalidStatus):
		return apiError{status: http.StatusBadRequest, code: "invalid_status"}
	case errors.Is(err, services.ErrStatusConflict):
		return apiError{status: http.StatusConflict, code: "status_conflict"}
	default:
		return apiError{status: http.StatusInternalServerError, code: "internal_error"}
	}
}

// respondError 写入错误响应并返回错误码
func respondError(c *gin.Context, err error) string {
	mapped := mapError(err)
	body := gin.H{"error": err.Error(), "code": mapped.code}
	if mapped.status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "Request failed", "path", c.FullPath(), "err", err)
		body["error"] = "Internal server error"
	}
	for k, v := range mapped.details {
		body[k] = v
	}
	c.JSON(mapped.status, body)
	return mapped.code
}
