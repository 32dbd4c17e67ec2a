package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"storefront-orders/models"
)

func (s *MySQLStore) UpsertUser(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id) VALUES (?) ON DUPLICATE KEY UPDATE id = id`, id,
	); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpsertProduct 在一个事务内写入商品行并重建款式与尺码
func (s *MySQLStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := upsertProduct(ctx, tx, p); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("Transaction rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func upsertProduct(ctx context.Context, tx *sql.Tx, p *models.Product) error {
	slug := p.Slug
	if slug == "" {
		slug = p.ID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO products (id, title, slug, price, image, stock) VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE title = VALUES(title), slug = VALUES(slug), price = VALUES(price),
			image = VALUES(image), stock = VALUES(stock)`,
		p.ID, p.Title, slug, p.Price, p.Image, p.Stock,
	); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE s FROM variant_sizes s JOIN product_variants v ON v.id = s.variant_id WHERE v.product_id = ?`, p.ID,
	); err != nil {
		return fmt.Errorf("delete sizes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = ?`, p.ID); err != nil {
		return fmt.Errorf("delete variants: %w", err)
	}

	for _, v := range p.Variants {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO product_variants (product_id, color_name, image) VALUES (?, ?, ?)`,
			p.ID, v.ColorName, v.Image,
		)
		if err != nil {
			return fmt.Errorf("insert variant %s: %w", v.ColorName, err)
		}
		variantID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("variant id: %w", err)
		}
		for _, size := range v.Sizes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO variant_sizes (variant_id, label, stock) VALUES (?, ?, ?)`,
				variantID, size.Label, size.Stock,
			); err != nil {
				return fmt.Errorf("insert size %s/%s: %w", v.ColorName, size.Label, err)
			}
		}
	}
	return nil
}
