package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-orders/models"
)

const (
	upsertProductSQL = `INSERT INTO products (id, title, slug, price, image, stock) VALUES (?, ?, ?, ?, ?, ?)`
	deleteSizesSQL   = `DELETE s FROM variant_sizes s JOIN product_variants v ON v.id = s.variant_id WHERE v.product_id = ?`
	deleteVariantSQL = `DELETE FROM product_variants WHERE product_id = ?`
	insertVariantSQL = `INSERT INTO product_variants (product_id, color_name, image) VALUES (?, ?, ?)`
	insertSizeSQL    = `INSERT INTO variant_sizes (variant_id, label, stock) VALUES (?, ?, ?)`
)

func TestMySQLStore_UpsertUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (id) VALUES (?) ON DUPLICATE KEY UPDATE id = id`)).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpsertUser(context.Background(), "u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_UpsertProductRebuildsVariants(t *testing.T) {
	store, mock := newMockStore(t)
	price := decimal.RequireFromString("40.00")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertProductSQL)).
		WithArgs("hoodie", "Hoodie", "hoodie", sqlmock.AnyArg(), "", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteSizesSQL)).WithArgs("hoodie").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(deleteVariantSQL)).WithArgs("hoodie").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertVariantSQL)).
		WithArgs("hoodie", "black", "black.png").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSizeSQL)).WithArgs(int64(7), "S", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSizeSQL)).WithArgs(int64(7), "M", 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.UpsertProduct(context.Background(), &models.Product{
		ID:    "hoodie",
		Title: "Hoodie",
		Price: price,
		Variants: []models.Variant{
			{ColorName: "black", Image: "black.png", Sizes: []models.Size{{Label: "S", Stock: 0}, {Label: "M", Stock: 2}}},
		},
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_UpsertProductRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)
	price := decimal.NewFromInt(20)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertProductSQL)).
		WithArgs("tee", "Tee", "tee-classic", sqlmock.AnyArg(), "", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteSizesSQL)).WithArgs("tee").WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	err := store.UpsertProduct(context.Background(), &models.Product{ID: "tee", Title: "Tee", Slug: "tee-classic", Price: price, Stock: 5})

	assert.ErrorContains(t, err, "lock wait timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}
