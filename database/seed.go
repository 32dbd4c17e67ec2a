package database

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"storefront-orders/models"
)

// Seed 初始用户与商品目录，两种存储通用
type Seed struct {
	Users    []string      `yaml:"users"`
	Products []seedProduct `yaml:"products"`
}

type seedProduct struct {
	ID       string          `yaml:"id"`
	Title    string          `yaml:"title"`
	Slug     string          `yaml:"slug"`
	Price    decimal.Decimal `yaml:"price"`
	Image    string          `yaml:"image"`
	Stock    int             `yaml:"stock"`
	Variants []seedVariant   `yaml:"variants"`
}

type seedVariant struct {
	ColorName string     `yaml:"color_name"`
	Image     string     `yaml:"image"`
	Sizes     []seedSize `yaml:"sizes"`
}

type seedSize struct {
	Label string `yaml:"label"`
	Stock int    `yaml:"stock"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &seed, nil
}

// Apply 写入用户与商品，已存在的商品会被覆盖；尺码保持文件中的顺序
func (s *Seed) Apply(ctx context.Context, catalog Catalog) error {
	for _, id := range s.Users {
		if err := catalog.UpsertUser(ctx, id); err != nil {
			return fmt.Errorf("seed user %s: %w", id, err)
		}
	}
	for _, sp := range s.Products {
		p := &models.Product{
			ID:    sp.ID,
			Title: sp.Title,
			Slug:  sp.Slug,
			Price: sp.Price,
			Image: sp.Image,
			Stock: sp.Stock,
		}
		for _, sv := range sp.Variants {
			v := models.Variant{ColorName: sv.ColorName, Image: sv.Image}
			for _, size := range sv.Sizes {
				v.Sizes = append(v.Sizes, models.Size{Label: size.Label, Stock: size.Stock})
			}
			p.Variants = append(p.Variants, v)
		}
		if err := catalog.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", sp.ID, err)
		}
	}
	return nil
}
