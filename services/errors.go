package services

import (
	"errors"
	"fmt"

	"storefront-orders/models"
)

// 下单相关的哨兵错误，配合 errors.Is 使用
var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvalidAddress     = errors.New("invalid shipping address")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrUnknownUser        = errors.New("unknown user")
	ErrProductNotFound    = errors.New("product not found")
	ErrVariantNotFound    = errors.New("variant not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrTransactionAborted = errors.New("transaction aborted")

	ErrInvalidProduct = errors.New("invalid product")

	ErrOrderNotFound  = errors.New("order not found")
	ErrInvalidStatus  = errors.New("invalid order status")
	ErrStatusConflict = errors.New("order status changed concurrently")
)

type InvalidAddressError struct {
	Field string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid shipping address: %s is required", e.Field)
}

func (e *InvalidAddressError) Is(target error) bool { return target == ErrInvalidAddress }

type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for product %s", e.Quantity, e.ProductID)
}

func (e *InvalidQuantityError) Is(target error) bool { return target == ErrInvalidQuantity }

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool { return target == ErrProductNotFound }

type VariantNotFoundError struct {
	ProductID string
	VariantID string
	Size      string
}

func (e *VariantNotFoundError) Error() string {
	if e.Size == "" {
		return fmt.Sprintf("variant %s (no size) not found for product %s", e.VariantID, e.ProductID)
	}
	return fmt.Sprintf("variant %s size %s not found for product %s", e.VariantID, e.Size, e.ProductID)
}

func (e *VariantNotFoundError) Is(target error) bool { return target == ErrVariantNotFound }

type InsufficientStockError struct {
	ProductID string
	VariantID string
	Size      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (requested: %d, available: %d)",
		models.StockKey{ProductID: e.ProductID, VariantID: e.VariantID, Size: e.Size}.String(), e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransactionAbortedError 存储层故障、超时或提交失败；整单已回滚，可由调用方重试
type TransactionAbortedError struct {
	Err error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction aborted: %v", e.Err)
}

func (e *TransactionAbortedError) Unwrap() error { return e.Err }

func (e *TransactionAbortedError) Is(target error) bool { return target == ErrTransactionAborted }

// InvalidProductError 后台写入商品时字段不合法
type InvalidProductError struct {
	Field  string
	Reason string
}

func (e *InvalidProductError) Error() string {
	return fmt.Sprintf("invalid product: %s %s", e.Field, e.Reason)
}

func (e *InvalidProductError) Is(target error) bool { return target == ErrInvalidProduct }

type InvalidTransitionError struct {
	From models.OrderStatus
	To   models.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidStatus }

var placementErrors = []error{
	ErrEmptyCart,
	ErrInvalidAddress,
	ErrInvalidQuantity,
	ErrUnknownUser,
	ErrProductNotFound,
	ErrVariantNotFound,
	ErrInsufficientStock,
	ErrTransactionAborted,
}

// classify 业务错误原样返回，其余一律视为事务中止
func classify(err error) error {
	for _, target := range placementErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return &TransactionAbortedError{Err: err}
}
