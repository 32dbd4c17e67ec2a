package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		allowed  bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPaid, StatusShipped, true},
		{StatusShipped, StatusCompleted, true},
		{StatusPending, StatusCancelled, true},
		{StatusPaid, StatusCancelled, true},
		{StatusShipped, StatusCancelled, true},
		{StatusPending, StatusShipped, false},
		{StatusPaid, StatusPending, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusCompleted, StatusPaid, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestOrderStatus_ValidAndTerminal(t *testing.T) {
	assert.True(t, StatusShipped.Valid())
	assert.False(t, OrderStatus("processing").Valid())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPaid.Terminal())
}

func TestSumItems(t *testing.T) {
	items := []OrderItem{
		{Price: decimal.NewFromInt(20), Quantity: 2},
		{Price: decimal.NewFromInt(15), Quantity: 1},
		{Price: decimal.RequireFromString("0.10"), Quantity: 3},
	}

	assert.True(t, decimal.RequireFromString("55.30").Equal(SumItems(items)))
	assert.True(t, decimal.Zero.Equal(SumItems(nil)))
}

func TestProduct_StockFor(t *testing.T) {
	p := &Product{
		ID:    "p1",
		Stock: 7,
		Variants: []Variant{
			{ColorName: "red", Sizes: []Size{{Label: "M", Stock: 3}}},
		},
	}

	stock, ok := p.StockFor(StockKey{ProductID: "p1"})
	assert.True(t, ok)
	assert.Equal(t, 7, stock)

	stock, ok = p.StockFor(StockKey{ProductID: "p1", VariantID: "red", Size: "M"})
	assert.True(t, ok)
	assert.Equal(t, 3, stock)

	_, ok = p.StockFor(StockKey{ProductID: "p1", VariantID: "red", Size: "XL"})
	assert.False(t, ok)

	_, ok = p.StockFor(StockKey{ProductID: "p1", VariantID: "blue", Size: "M"})
	assert.False(t, ok)

	_, ok = p.StockFor(StockKey{ProductID: "p1", Size: "M"})
	assert.False(t, ok)
}

func TestProduct_CloneIsDeep(t *testing.T) {
	p := &Product{Variants: []Variant{{ColorName: "red", Sizes: []Size{{Label: "M", Stock: 3}}}}}

	cp := p.Clone()
	cp.Variants[0].Sizes[0].Stock = 0

	assert.Equal(t, 3, p.Variants[0].Sizes[0].Stock)
}
