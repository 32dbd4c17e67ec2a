package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront-orders/database"
	"storefront-orders/models"
)

const (
	defaultTxTimeout      = 5 * time.Second
	defaultPaymentTimeout = 15 * time.Minute
	defaultListLimit      = 50
	publishTimeout        = 5 * time.Second
)

// EventPublisher 订单事件出口（RabbitMQ、Kafka）
type EventPublisher interface {
	Publish(ctx context.Context, event models.OrderEvent) error
}

// PaymentScheduler 延迟检查支付状态
type PaymentScheduler interface {
	SchedulePaymentCheck(ctx context.Context, orderID string, delay time.Duration) error
}

type PlaceOrderRequest struct {
	UserID          string            `json:"-"`
	Items           []models.CartLine `json:"items"`
	ShippingAddress *models.Address   `json:"shipping_address"`
	// ClientTotal 仅用于日志比对，不会写入订单
	ClientTotal *decimal.Decimal `json:"client_total,omitempty"`
}

type OrderService struct {
	store          database.Store
	publishers     []EventPublisher
	scheduler      PaymentScheduler
	txTimeout      time.Duration
	paymentTimeout time.Duration
	tracer         trace.Tracer
	now            func() time.Time
	newID          func() string
}

type Option func(*OrderService)

func WithPublishers(publishers ...EventPublisher) Option {
	return func(s *OrderService) { s.publishers = append(s.publishers, publishers...) }
}

func WithPaymentScheduler(scheduler PaymentScheduler, delay time.Duration) Option {
	return func(s *OrderService) {
		s.scheduler = scheduler
		if delay > 0 {
			s.paymentTimeout = delay
		}
	}
}

func WithTxTimeout(d time.Duration) Option {
	return func(s *OrderService) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *OrderService) { s.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

func NewOrderService(store database.Store, opts ...Option) *OrderService {
	s := &OrderService{
		store:          store,
		txTimeout:      defaultTxTimeout,
		paymentTimeout: defaultPaymentTimeout,
		tracer:         otel.Tracer("storefront-orders/services"),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder 校验购物车、条件扣减库存并写入订单，全部在一个事务内完成；
// 任一行失败则整单回滚。
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceOrder", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int("order.lines", len(req.Items)),
	))
	defer span.End()

	order, err := s.placeOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(ctx, "Order rejected", "user_id", req.UserID, "err", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.total", order.Total.String()))

	if req.ClientTotal != nil && !req.ClientTotal.Equal(order.Total) {
		slog.WarnContext(ctx, "Client total differs from computed total",
			"order_id", order.ID, "client_total", req.ClientTotal.String(), "total", order.Total.String())
	}
	slog.InfoContext(ctx, "Order placed", "order_id", order.ID, "user_id", order.UserID, "total", order.Total.String())

	s.afterCreate(ctx, order)
	return order, nil
}

func (s *OrderService) placeOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var order *models.Order
	err := s.store.WithinTx(txCtx, func(ctx context.Context, tx database.Tx) error {
		exists, err := tx.UserExists(ctx, req.UserID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownUser
		}

		// 按提交顺序逐行处理，首个失败即中止
		items := make([]models.OrderItem, 0, len(req.Items))
		for _, line := range req.Items {
			item, err := reserveLine(ctx, tx, line)
			if err != nil {
				return err
			}
			items = append(items, item)
		}

		now := s.now()
		draft := &models.Order{
			ID:              s.newID(),
			UserID:          req.UserID,
			Items:           items,
			Total:           models.SumItems(items),
			ShippingAddress: *req.ShippingAddress,
			Status:          models.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertOrder(ctx, draft); err != nil {
			return err
		}
		order = draft
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return order, nil
}

func reserveLine(ctx context.Context, tx database.Tx, line models.CartLine) (models.OrderItem, error) {
	product, err := tx.FindProductByID(ctx, line.ProductID)
	if errors.Is(err, database.ErrNotFound) {
		return models.OrderItem{}, &ProductNotFoundError{ProductID: line.ProductID}
	}
	if err != nil {
		return models.OrderItem{}, err
	}

	key := models.StockKey{ProductID: line.ProductID, VariantID: line.VariantID, Size: line.Size}
	available, found := product.StockFor(key)
	if !found {
		return models.OrderItem{}, &VariantNotFoundError{ProductID: line.ProductID, VariantID: line.VariantID, Size: line.Size}
	}
	stockErr := &InsufficientStockError{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Size:      line.Size,
		Requested: line.Quantity,
		Available: available,
	}
	if available < line.Quantity {
		return models.OrderItem{}, stockErr
	}

	ok, err := tx.DecrementStock(ctx, key, line.Quantity)
	if err != nil {
		return models.OrderItem{}, err
	}
	if !ok {
		// 读取之后被并发事务抢先扣减，重新读取最新库存用于提示
		stockErr.Available = 0
		if fresh, err := tx.FindProductByID(ctx, line.ProductID); err == nil {
			stockErr.Available, _ = fresh.StockFor(key)
		}
		return models.OrderItem{}, stockErr
	}

	name := line.DisplayName
	if name == "" {
		name = product.Title
	}
	image := line.ImageURL
	if image == "" {
		image = product.DisplayImage(line.VariantID)
	}
	return models.OrderItem{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Size:      line.Size,
		Quantity:  line.Quantity,
		Price:     product.Price,
		Name:      name,
		Image:     image,
	}, nil
}

func validateRequest(req PlaceOrderRequest) error {
	if len(req.Items) == 0 {
		return ErrEmptyCart
	}
	if err := validateAddress(req.ShippingAddress); err != nil {
		return err
	}
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return &InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity}
		}
	}
	return nil
}

func validateAddress(addr *models.Address) error {
	if addr == nil {
		return &InvalidAddressError{Field: "shipping_address"}
	}
	required := []struct{ field, value string }{
		{"line1", addr.Line1},
		{"city", addr.City},
		{"state", addr.State},
		{"postal_code", addr.PostalCode},
		{"country", addr.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &InvalidAddressError{Field: r.field}
		}
	}
	return nil
}

// afterCreate 订单已提交，事件发送失败只记录日志
func (s *OrderService) afterCreate(ctx context.Context, order *models.Order) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	s.publish(ctx, models.NewOrderEvent(order, models.EventCreated))

	if s.scheduler != nil {
		if err := s.scheduler.SchedulePaymentCheck(ctx, order.ID, s.paymentTimeout); err != nil {
			slog.ErrorContext(ctx, "Failed to schedule payment check", "order_id", order.ID, "err", err)
		}
	}
}

func (s *OrderService) publish(ctx context.Context, event models.OrderEvent) {
	for _, p := range s.publishers {
		if err := p.Publish(ctx, event); err != nil {
			slog.ErrorContext(ctx, "Failed to publish order event", "order_id", event.OrderID, "type", event.Type, "err", err)
		}
	}
}

// GetProduct 读取权威价格与库存
func (s *OrderService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	product, err := s.store.FindProductByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, &ProductNotFoundError{ProductID: id}
	}
	return product, err
}

// UpsertProduct 后台整体写入商品目录，库存以请求为准
func (s *OrderService) UpsertProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	if err := validateProduct(p); err != nil {
		return nil, err
	}
	if p.Slug == "" {
		p.Slug = p.ID
	}
	if err := s.store.UpsertProduct(ctx, p); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Product upserted", "product_id", p.ID, "variants", len(p.Variants))
	return s.GetProduct(ctx, p.ID)
}

func validateProduct(p *models.Product) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return &InvalidProductError{Field: "id", Reason: "is required"}
	case strings.TrimSpace(p.Title) == "":
		return &InvalidProductError{Field: "title", Reason: "is required"}
	case p.Price.IsNegative():
		return &InvalidProductError{Field: "price", Reason: "must not be negative"}
	case p.Stock < 0:
		return &InvalidProductError{Field: "stock", Reason: "must not be negative"}
	}

	colors := make(map[string]struct{}, len(p.Variants))
	for _, v := range p.Variants {
		if strings.TrimSpace(v.ColorName) == "" {
			return &InvalidProductError{Field: "variants.color_name", Reason: "is required"}
		}
		if _, dup := colors[v.ColorName]; dup {
			return &InvalidProductError{Field: "variants.color_name", Reason: "must be unique: " + v.ColorName}
		}
		colors[v.ColorName] = struct{}{}

		labels := make(map[string]struct{}, len(v.Sizes))
		for _, size := range v.Sizes {
			if strings.TrimSpace(size.Label) == "" {
				return &InvalidProductError{Field: "variants.sizes.label", Reason: "is required"}
			}
			if _, dup := labels[size.Label]; dup {
				return &InvalidProductError{Field: "variants.sizes.label", Reason: "must be unique: " + size.Label}
			}
			labels[size.Label] = struct{}{}
			if size.Stock < 0 {
				return &InvalidProductError{Field: "variants.sizes.stock", Reason: "must not be negative"}
			}
		}
	}
	return nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.store.FindOrderByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

// GetUserOrder 非本人订单同样返回 not found
func (s *OrderService) GetUserOrder(ctx context.Context, userID, id string) (*models.Order, error) {
	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID string) ([]models.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID)
}

func (s *OrderService) ListOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListOrders(ctx, limit)
}

// UpdateStatus 管理员变更订单状态，按状态机校验后比较并交换
func (s *OrderService) UpdateStatus(ctx context.Context, id string, to models.OrderStatus) (*models.Order, error) {
	if !to.Valid() {
		return nil, ErrInvalidStatus
	}
	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(to) {
		return nil, &InvalidTransitionError{From: order.Status, To: to}
	}

	if err := s.swapStatus(ctx, order, to); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelIfPending 支付超时检查：仍为 pending 则取消，返回是否发生了取消
func (s *OrderService) CancelIfPending(ctx context.Context, id string) (bool, error) {
	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	if order.Status != models.StatusPending {
		return false, nil
	}

	err = s.swapStatus(ctx, order, models.StatusCancelled)
	if errors.Is(err, ErrStatusConflict) {
		// 期间已支付或被取消
		return false, nil
	}
	if err != nil {
		return false, err
	}
	slog.InfoContext(ctx, "Auto-cancelled order due to non-payment", "order_id", id)
	return true, nil
}

func (s *OrderService) swapStatus(ctx context.Context, order *models.Order, to models.OrderStatus) error {
	ok, err := s.store.UpdateOrderStatus(ctx, order.ID, order.Status, to)
	if errors.Is(err, database.ErrNotFound) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrStatusConflict
	}

	order.Status = to
	order.UpdatedAt = s.now()
	s.publish(context.WithoutCancel(ctx), models.NewOrderEvent(order, models.EventStatusUpdated))
	return nil
}
