package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"storefront-orders/models"
)

// querier 同时由 *sql.DB 与 *sql.Tx 实现
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	// READ COMMITTED：条件扣减总能看到其他事务已提交的库存
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &mysqlTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("Transaction rollback failed", "err", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *MySQLStore) FindProductByID(ctx context.Context, id string) (*models.Product, error) {
	return findProduct(ctx, s.db, id)
}

func (s *MySQLStore) FindOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := scanOrder(s.db.QueryRowContext(ctx, selectOrder+` WHERE id = ?`, id), &order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query order: %w", err)
	}

	orders := []models.Order{order}
	if err := loadItems(ctx, s.db, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *MySQLStore) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	return listOrders(ctx, s.db, selectOrder+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *MySQLStore) ListOrders(ctx context.Context, limit int) ([]models.Order, error) {
	return listOrders(ctx, s.db, selectOrder+` ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *MySQLStore) UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	// 区分"订单不存在"和"状态已被并发修改"
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query order status: %w", err)
	}
	return false, nil
}

type mysqlTx struct {
	q querier
}

func (t *mysqlTx) UserExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := t.q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return true, nil
}

func (t *mysqlTx) FindProductByID(ctx context.Context, id string) (*models.Product, error) {
	return findProduct(ctx, t.q, id)
}

func (t *mysqlTx) DecrementStock(ctx context.Context, key models.StockKey, amount int) (bool, error) {
	if key.TopLevel() && key.Size != "" {
		return false, nil
	}
	var (
		result sql.Result
		err    error
	)
	if key.TopLevel() {
		result, err = t.q.ExecContext(ctx,
			`UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?`,
			amount, key.ProductID, amount,
		)
	} else {
		result, err = t.q.ExecContext(ctx,
			`UPDATE variant_sizes s JOIN product_variants v ON v.id = s.variant_id
			SET s.stock = s.stock - ?
			WHERE v.product_id = ? AND v.color_name = ? AND s.label = ? AND s.stock >= ?`,
			amount, key.ProductID, key.VariantID, key.Size, amount,
		)
	}
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (t *mysqlTx) InsertOrder(ctx context.Context, order *models.Order) error {
	addr := order.ShippingAddress
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, total, status, ship_line1, ship_line2, ship_city, ship_state,
			ship_postal_code, ship_country, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.Total, order.Status, addr.Line1, addr.Line2, addr.City, addr.State,
		addr.PostalCode, addr.Country, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = t.q.ExecContext(ctx,
			`INSERT INTO order_items (order_id, product_id, variant_id, size, product_name, image, quantity, price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, item.ProductID, item.VariantID, item.Size, item.Name, item.Image, item.Quantity, item.Price,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func findProduct(ctx context.Context, q querier, id string) (*models.Product, error) {
	var p models.Product
	err := q.QueryRowContext(ctx,
		`SELECT id, title, slug, price, image, stock FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.Slug, &p.Price, &p.Image, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT v.color_name, v.image, s.label, s.stock
		FROM product_variants v
		LEFT JOIN variant_sizes s ON s.variant_id = v.id
		WHERE v.product_id = ?
		ORDER BY v.id, s.label`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			colorName, image string
			label            sql.NullString
			stock            sql.NullInt64
		)
		if err := rows.Scan(&colorName, &image, &label, &stock); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		n := len(p.Variants)
		if n == 0 || p.Variants[n-1].ColorName != colorName {
			p.Variants = append(p.Variants, models.Variant{ColorName: colorName, Image: image})
			n++
		}
		if label.Valid {
			p.Variants[n-1].Sizes = append(p.Variants[n-1].Sizes, models.Size{Label: label.String, Stock: int(stock.Int64)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return &p, nil
}

const selectOrder = `SELECT id, user_id, total, status, ship_line1, ship_line2, ship_city, ship_state,
	ship_postal_code, ship_country, created_at, updated_at FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, o *models.Order) error {
	a := &o.ShippingAddress
	return row.Scan(&o.ID, &o.UserID, &o.Total, &o.Status, &a.Line1, &a.Line2, &a.City, &a.State,
		&a.PostalCode, &a.Country, &o.CreatedAt, &o.UpdatedAt)
}

func listOrders(ctx context.Context, q querier, query string, args ...any) ([]models.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func loadItems(ctx context.Context, q querier, orders []models.Order) error {
	for i := range orders {
		rows, err := q.QueryContext(ctx,
			`SELECT product_id, variant_id, size, product_name, image, quantity, price
			FROM order_items WHERE order_id = ? ORDER BY id`, orders[i].ID,
		)
		if err != nil {
			return fmt.Errorf("query order items: %w", err)
		}

		for rows.Next() {
			var item models.OrderItem
			if err := rows.Scan(&item.ProductID, &item.VariantID, &item.Size, &item.Name, &item.Image,
				&item.Quantity, &item.Price); err != nil {
				rows.Close()
				return fmt.Errorf("scan order item: %w", err)
			}
			orders[i].Items = append(orders[i].Items, item)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate order items: %w", err)
		}
	}
	return nil
}
