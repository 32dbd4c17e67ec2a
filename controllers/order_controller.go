package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"storefront-orders/idempotency"
	"storefront-orders/middlewares"
	"storefront-orders/models"
	"storefront-orders/services"
)

const IdempotencyHeader = "Idempotency-Key"

const (
	completeAttempts = 3
	completeTimeout  = 2 * time.Second
)

// completeBackoff 两次写入幂等键之间的等待，测试中可调小
var completeBackoff = 100 * time.Millisecond

// IdempotencyGuard 下单幂等键存储，未配置 Redis 时为 nil
type IdempotencyGuard interface {
	Begin(ctx context.Context, userID, key string) (idempotency.State, string, error)
	Complete(ctx context.Context, userID, key, orderID string) error
	Release(ctx context.Context, userID, key string) error
}

type OrderController struct {
	orders *services.OrderService
	guard  IdempotencyGuard
}

func NewOrderController(orders *services.OrderService, guard IdempotencyGuard) *OrderController {
	return &OrderController{orders: orders, guard: guard}
}

func recordOperation(c *gin.Context, operation string) {
	status := c.Writer.Status() >= 200 && c.Writer.Status() < 300
	middlewares.RecordOrderOperation(operation, status)
}

func (oc *OrderController) CreateOrder(c *gin.Context) {
	defer recordOperation(c, "create")

	userID := c.GetString(middlewares.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req services.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middlewares.RecordOrderRejection("invalid_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}
	req.UserID = userID
	ctx := c.Request.Context()

	key := c.GetHeader(IdempotencyHeader)
	claimed := false
	if oc.guard != nil && key != "" {
		state, orderID, err := oc.guard.Begin(ctx, userID, key)
		if err != nil {
			slog.ErrorContext(ctx, "Idempotency check failed", "user_id", userID, "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Idempotency store unavailable", "code": "idempotency_unavailable"})
			return
		}
		switch state {
		case idempotency.StateInFlight:
			c.JSON(http.StatusConflict, gin.H{"error": "A request with this idempotency key is in progress", "code": "request_in_progress"})
			return
		case idempotency.StateCompleted:
			order, err := oc.orders.GetUserOrder(ctx, userID, orderID)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, order)
			return
		}
		claimed = true
	}

	order, err := oc.orders.PlaceOrder(ctx, req)
	if err != nil {
		if claimed {
			if releaseErr := oc.guard.Release(context.WithoutCancel(ctx), userID, key); releaseErr != nil {
				slog.ErrorContext(ctx, "Failed to release idempotency key", "user_id", userID, "err", releaseErr)
			}
		}
		middlewares.RecordOrderRejection(respondError(c, err))
		return
	}

	if claimed {
		oc.completeKey(ctx, userID, key, order.ID)
	}
	if req.ClientTotal != nil && !req.ClientTotal.Equal(order.Total) {
		middlewares.RecordTotalMismatch()
	}
	middlewares.RecordOrderPlaced()

	c.JSON(http.StatusCreated, order)
}

// completeKey 订单已提交，请求可能已被取消；每次重试使用独立的超时。
// 全部失败时键保持 pending 直到 TTL 过期，记录订单号以便人工核对。
func (oc *OrderController) completeKey(ctx context.Context, userID, key, orderID string) {
	base := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(base, completeTimeout)
		err = oc.guard.Complete(attemptCtx, userID, key, orderID)
		cancel()
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "Failed to store idempotency key, retrying", "order_id", orderID, "attempt", attempt, "err", err)
		if attempt < completeAttempts {
			time.Sleep(time.Duration(attempt) * completeBackoff)
		}
	}
	slog.ErrorContext(ctx, "Idempotency key left pending after order was placed",
		"order_id", orderID, "user_id", userID, "idempotency_key", key, "err", err)
}

func (oc *OrderController) GetUserOrders(c *gin.Context) {
	defer recordOperation(c, "list")

	userID := c.GetString(middlewares.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	orders, err := oc.orders.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (oc *OrderController) GetOrderDetails(c *gin.Context) {
	defer recordOperation(c, "details")

	userID := c.GetString(middlewares.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	order, err := oc.orders.GetUserOrder(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetProduct 返回权威价格与库存
func (oc *OrderController) GetProduct(c *gin.Context) {
	defer recordOperation(c, "product")

	product, err := oc.orders.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (oc *OrderController) ListOrders(c *gin.Context) {
	defer recordOperation(c, "admin_list")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit", "code": "invalid_request"})
			return
		}
		limit = n
	}

	orders, err := oc.orders.ListOrders(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (oc *OrderController) GetOrder(c *gin.Context) {
	defer recordOperation(c, "admin_details")

	order, err := oc.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (oc *OrderController) UpdateOrderStatus(c *gin.Context) {
	defer recordOperation(c, "update_status")

	var request struct {
		Status models.OrderStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}

	order, err := oc.orders.UpdateStatus(c.Request.Context(), c.Param("id"), request.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// UpsertProduct 后台写入商品及款式库存
func (oc *OrderController) UpsertProduct(c *gin.Context) {
	defer recordOperation(c, "upsert_product")

	var product models.Product
	if err := c.ShouldBindJSON(&product); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}
	product.ID = c.Param("id")

	saved, err := oc.orders.UpsertProduct(c.Request.Context(), &product)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// RegisterRoutes 用户接口挂在 api 组下，管理接口挂在 admin 组下
func (oc *OrderController) RegisterRoutes(public, api, admin *gin.RouterGroup) {
	public.GET("/products/:id", oc.GetProduct)

	api.POST("/orders", oc.CreateOrder)
	api.GET("/orders", oc.GetUserOrders)
	api.GET("/orders/:id", oc.GetOrderDetails)

	admin.GET("/orders", oc.ListOrders)
	admin.GET("/orders/:id", oc.GetOrder)
	admin.PUT("/orders/:id/status", oc.UpdateOrderStatus)
	admin.PUT("/products/:id", oc.UpsertProduct)
}
