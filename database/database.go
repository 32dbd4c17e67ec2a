package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"

	"storefront-orders/config"
	"storefront-orders/models"
)

var ErrNotFound = errors.New("record not found")

// Tx 事务内可用的操作；所有库存变更只能通过 DecrementStock
type Tx interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	FindProductByID(ctx context.Context, id string) (*models.Product, error)
	// DecrementStock 条件扣减：仅当当前库存 >= amount 时成功
	DecrementStock(ctx context.Context, key models.StockKey, amount int) (bool, error)
	InsertOrder(ctx context.Context, order *models.Order) error
}

// Catalog 维护用户与商品目录（种子数据、后台商品管理）
type Catalog interface {
	UpsertUser(ctx context.Context, id string) error
	// UpsertProduct 按 ID 整体替换商品及其款式、尺码库存
	UpsertProduct(ctx context.Context, p *models.Product) error
}

type Store interface {
	Catalog
	// WithinTx fn 返回错误时回滚，否则提交
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	FindProductByID(ctx context.Context, id string) (*models.Product, error)
	FindOrderByID(ctx context.Context, id string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	ListOrders(ctx context.Context, limit int) ([]models.Order, error)
	// UpdateOrderStatus 比较并交换：仅当当前状态为 from 时更新
	UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus) (bool, error)
	Close() error
}

// Open 打开连接池并建表
func Open(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLife)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("Database connected and migrated", "host", cfg.DBHost, "db", cfg.DBName)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		email VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(16) NOT NULL DEFAULT 'user'
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		slug VARCHAR(255) NOT NULL UNIQUE,
		price DECIMAL(12,2) NOT NULL,
		image VARCHAR(1024) NOT NULL DEFAULT '',
		stock INT NOT NULL DEFAULT 0 CHECK (stock >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS product_variants (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		product_id VARCHAR(64) NOT NULL,
		color_name VARCHAR(64) NOT NULL,
		image VARCHAR(1024) NOT NULL DEFAULT '',
		UNIQUE KEY uq_variant (product_id, color_name),
		FOREIGN KEY (product_id) REFERENCES products(id)
	)`,
	`CREATE TABLE IF NOT EXISTS variant_sizes (
		variant_id BIGINT NOT NULL,
		label VARCHAR(16) NOT NULL,
		stock INT NOT NULL DEFAULT 0 CHECK (stock >= 0),
		PRIMARY KEY (variant_id, label),
		FOREIGN KEY (variant_id) REFERENCES product_variants(id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id CHAR(36) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		total DECIMAL(12,2) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		ship_line1 VARCHAR(255) NOT NULL,
		ship_line2 VARCHAR(255) NOT NULL DEFAULT '',
		ship_city VARCHAR(128) NOT NULL,
		ship_state VARCHAR(128) NOT NULL,
		ship_postal_code VARCHAR(32) NOT NULL,
		ship_country VARCHAR(64) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		KEY idx_orders_user (user_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id CHAR(36) NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		variant_id VARCHAR(64) NOT NULL DEFAULT '',
		size VARCHAR(16) NOT NULL DEFAULT '',
		product_name VARCHAR(255) NOT NULL,
		image VARCHAR(1024) NOT NULL DEFAULT '',
		quantity INT NOT NULL,
		price DECIMAL(12,2) NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id)
	)`,
}

// Migrate 幂等建表
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
