package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Slug     string          `json:"slug"`
	Price    decimal.Decimal `json:"price"`
	Image    string          `json:"image,omitempty"`
	Stock    int             `json:"stock"`
	Variants []Variant       `json:"variants"`
}

type Variant struct {
	ColorName string `json:"color_name"`
	Image     string `json:"image,omitempty"`
	Sizes     []Size `json:"sizes"`
}

type Size struct {
	Label string `json:"label"`
	Stock int    `json:"stock"`
}

// StockKey 定位一个库存计数：无 VariantID 时指向商品顶层库存
type StockKey struct {
	ProductID string
	VariantID string
	Size      string
}

// TopLevel 是否为商品顶层库存
func (k StockKey) TopLevel() bool {
	return k.VariantID == ""
}

func (k StockKey) String() string {
	if k.TopLevel() {
		return k.ProductID
	}
	return fmt.Sprintf("%s/%s/%s", k.ProductID, k.VariantID, k.Size)
}

// FindVariant 按颜色名查找款式
func (p *Product) FindVariant(colorName string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ColorName == colorName {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// FindSize 按尺码标签查找
func (v *Variant) FindSize(label string) (*Size, bool) {
	for i := range v.Sizes {
		if v.Sizes[i].Label == label {
			return &v.Sizes[i], true
		}
	}
	return nil, false
}

// StockFor 返回 key 对应的库存；found=false 表示款式或尺码不存在，
// 只给尺码不给款式同样视为不存在
func (p *Product) StockFor(key StockKey) (stock int, found bool) {
	if key.TopLevel() {
		return p.Stock, key.Size == ""
	}
	variant, ok := p.FindVariant(key.VariantID)
	if !ok {
		return 0, false
	}
	size, ok := variant.FindSize(key.Size)
	if !ok {
		return 0, false
	}
	return size.Stock, true
}

// DisplayImage 款式图优先，其次商品主图
func (p *Product) DisplayImage(variantID string) string {
	if variant, ok := p.FindVariant(variantID); ok && variant.Image != "" {
		return variant.Image
	}
	return p.Image
}

// Clone 深拷贝，避免调用方修改内存存储中的数据
func (p *Product) Clone() *Product {
	cp := *p
	cp.Variants = make([]Variant, len(p.Variants))
	for i, v := range p.Variants {
		cp.Variants[i] = v
		cp.Variants[i].Sizes = append([]Size(nil), v.Sizes...)
	}
	return &cp
}
