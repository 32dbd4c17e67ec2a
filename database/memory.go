package database

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"storefront-orders/models"
)

// ErrDeadlock 两个事务互相等待对方持有的库存行
var ErrDeadlock = errors.New("deadlock detected")

// MemoryStore 进程内实现，与 MySQLStore 遵守相同的事务约定：
// 扣减在提交前只对本事务可见；被扣减的库存行由该事务独占，
// 其他事务的扣减需等待其提交或回滚，与 InnoDB 行锁一致。
type MemoryStore struct {
	mu       sync.Mutex
	released *sync.Cond
	users    map[string]struct{}
	products map[string]*models.Product
	orders   map[string]*models.Order
	locks    map[models.StockKey]*memoryTx
	waiting  map[*memoryTx]models.StockKey
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		users:    make(map[string]struct{}),
		products: make(map[string]*models.Product),
		orders:   make(map[string]*models.Order),
		locks:    make(map[models.StockKey]*memoryTx),
		waiting:  make(map[*memoryTx]models.StockKey),
	}
	s.released = sync.NewCond(&s.mu)
	return s
}

// AddUser 注册用户
func (s *MemoryStore) AddUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = struct{}{}
}

// PutProduct 写入或覆盖商品
func (s *MemoryStore) PutProduct(p *models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p.Clone()
}

func (s *MemoryStore) UpsertUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.AddUser(id)
	return nil
}

// UpsertProduct 整体替换商品；若有未结束事务持有其库存行则等待
func (s *MemoryStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	stop := s.wakeOnDone(ctx)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.productLocked(p.ID) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.released.Wait()
	}
	s.products[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) productLocked(id string) bool {
	for key := range s.locks {
		if key.ProductID == id {
			return true
		}
	}
	return false
}

// wakeOnDone ctx 结束时唤醒等待行锁的协程
func (s *MemoryStore) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.released.Broadcast()
		s.mu.Unlock()
	})
}

// OrderCount 已提交订单数量
func (s *MemoryStore) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{s: s, held: make(map[models.StockKey]int)}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	// 与数据库一致：超时的事务不能提交
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// FindProductByID 只返回已提交的库存
func (s *MemoryStore) FindProductByID(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FindOrderByID(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	return s.list(func(o *models.Order) bool { return o.UserID == userID }, 0), nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, limit int) ([]models.Order, error) {
	return s.list(func(*models.Order) bool { return true }, limit), nil
}

func (s *MemoryStore) list(match func(*models.Order) bool, limit int) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Order{}
	for _, o := range s.orders {
		if match(o) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

// memoryTx held 记录本事务在每个库存行上尚未提交的扣减量
type memoryTx struct {
	s       *MemoryStore
	held    map[models.StockKey]int
	pending []*models.Order
}

func (t *memoryTx) UserExists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.users[userID]
	return ok, nil
}

// FindProductByID 已提交库存减去本事务自身的扣减
func (t *memoryTx) FindProductByID(ctx context.Context, id string) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p.Clone()
	for key, amount := range t.held {
		if key.ProductID != id {
			continue
		}
		if counter := stockCounter(cp, key); counter != nil {
			*counter -= amount
		}
	}
	return cp, nil
}

func (t *memoryTx) DecrementStock(ctx context.Context, key models.StockKey, amount int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	stop := t.s.wakeOnDone(ctx)
	defer stop()

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	// 等待持有该行的其他事务结束
	for {
		owner, locked := t.s.locks[key]
		if !locked || owner == t {
			break
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if t.s.waitsOn(owner, t) {
			return false, ErrDeadlock
		}
		t.s.waiting[t] = key
		t.s.released.Wait()
		delete(t.s.waiting, t)
	}

	counter := t.s.counter(key)
	if counter == nil {
		return false, nil
	}
	t.s.locks[key] = t
	held := t.held[key]
	if *counter-held < amount {
		return false, nil
	}
	t.held[key] = held + amount
	return true, nil
}

func (t *memoryTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.pending = append(t.pending, cloneOrder(order))
	return nil
}

func (t *memoryTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.release()
}

func (t *memoryTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for key, amount := range t.held {
		if counter := t.s.counter(key); counter != nil {
			*counter -= amount
		}
	}
	for _, o := range t.pending {
		t.s.orders[o.ID] = o
	}
	t.release()
}

// waitsOn 沿等待链判断 owner 是否（间接）在等待 t；调用方需持有 s.mu
func (s *MemoryStore) waitsOn(owner, t *memoryTx) bool {
	for owner != nil {
		if owner == t {
			return true
		}
		key, ok := s.waiting[owner]
		if !ok {
			return false
		}
		owner = s.locks[key]
	}
	return false
}

// release 调用方需持有 s.mu
func (t *memoryTx) release() {
	for key, owner := range t.s.locks {
		if owner == t {
			delete(t.s.locks, key)
		}
	}
	t.held = nil
	t.pending = nil
	t.s.released.Broadcast()
}

// counter 调用方需持有 s.mu
func (s *MemoryStore) counter(key models.StockKey) *int {
	p, ok := s.products[key.ProductID]
	if !ok {
		return nil
	}
	return stockCounter(p, key)
}

func stockCounter(p *models.Product, key models.StockKey) *int {
	if key.TopLevel() {
		if key.Size != "" {
			return nil
		}
		return &p.Stock
	}
	variant, ok := p.FindVariant(key.VariantID)
	if !ok {
		return nil
	}
	size, ok := variant.FindSize(key.Size)
	if !ok {
		return nil
	}
	return &size.Stock
}

func cloneOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp
}
