package database

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-orders/models"
)

const seedYAML = `
users: [u1, u2]
products:
  - id: tee
    title: Tee
    price: "19.99"
    stock: 12
  - id: hoodie
    title: Hoodie
    price: 40
    variants:
      - color_name: black
        sizes:
          - {label: S, stock: 1}
          - {label: M, stock: 2}
          - {label: L, stock: 0}
          - {label: XL, stock: 4}
`

func TestLoadSeed_Apply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, seed.Apply(ctx, store))

	tee, err := store.FindProductByID(ctx, "tee")
	require.NoError(t, err)
	assert.True(t, tee.Price.Equal(decimal.RequireFromString("19.99")))
	assert.Equal(t, 12, tee.Stock)

	hoodie, err := store.FindProductByID(ctx, "hoodie")
	require.NoError(t, err)
	stock, ok := hoodie.StockFor(models.StockKey{ProductID: "hoodie", VariantID: "black", Size: "M"})
	require.True(t, ok)
	assert.Equal(t, 2, stock)

	var labels []string
	for _, size := range hoodie.Variants[0].Sizes {
		labels = append(labels, size.Label)
	}
	assert.Equal(t, []string{"S", "M", "L", "XL"}, labels)

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		exists, err := tx.UserExists(ctx, "u2")
		require.NoError(t, err)
		assert.True(t, exists)
		return nil
	})
	require.NoError(t, err)
}

func TestSeed_ApplyToMySQL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	seed, err := LoadSeed(path)
	require.NoError(t, err)

	store, mock := newMockStore(t)
	for _, id := range []string{"u1", "u2"} {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (id)`)).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertProductSQL)).
		WithArgs("tee", "Tee", "tee", sqlmock.AnyArg(), "", 12).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteSizesSQL)).WithArgs("tee").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(deleteVariantSQL)).WithArgs("tee").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertProductSQL)).
		WithArgs("hoodie", "Hoodie", "hoodie", sqlmock.AnyArg(), "", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteSizesSQL)).WithArgs("hoodie").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(deleteVariantSQL)).WithArgs("hoodie").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(insertVariantSQL)).WithArgs("hoodie", "black", "").WillReturnResult(sqlmock.NewResult(3, 1))
	for _, size := range []struct {
		label string
		stock int
	}{{"S", 1}, {"M", 2}, {"L", 0}, {"XL", 4}} {
		mock.ExpectExec(regexp.QuoteMeta(insertSizeSQL)).
			WithArgs(int64(3), size.label, size.stock).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, seed.Apply(context.Background(), store))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSeed_Errors(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("products: [: :"), 0o600))
	_, err = LoadSeed(path)
	assert.ErrorContains(t, err, "parse seed")
}
