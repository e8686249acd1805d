package purchase

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PackageID selects a coin package.
type PackageID string

const (
	PackageSmall  PackageID = "small"
	PackageMedium PackageID = "medium"
	PackageLarge  PackageID = "large"
)

// Package is a purchasable bundle of coins at a fixed USD price.
type Package struct {
	ID       PackageID
	Coins    int64
	PriceUSD decimal.Decimal
}

// PriceCents converts the USD price to integer cents for the gateway.
func (pkg Package) PriceCents() int64 {
	return pkg.PriceUSD.Mul(decimal.NewFromInt(100)).IntPart()
}

// Catalog is the fixed, validated set of coin packages.
type Catalog map[PackageID]Package

// DefaultCatalog mirrors the marketplace price list.
func DefaultCatalog() Catalog {
	return Catalog{
		PackageSmall:  {ID: PackageSmall, Coins: 100, PriceUSD: decimal.NewFromInt(5)},
		PackageMedium: {ID: PackageMedium, Coins: 300, PriceUSD: decimal.NewFromInt(12)},
		PackageLarge:  {ID: PackageLarge, Coins: 500, PriceUSD: decimal.NewFromInt(18)},
	}
}

// Resolve looks up a package by id.
func (catalog Catalog) Resolve(id PackageID) (Package, error) {
	pkg, ok := catalog[id]
	if !ok {
		return Package{}, ErrUnknownPackage
	}
	return pkg, nil
}

// List returns the catalog in stable id order for API responses.
func (catalog Catalog) List() []Package {
	packages := make([]Package, 0, len(catalog))
	for _, pkg := range catalog {
		packages = append(packages, pkg)
	}
	sort.Slice(packages, func(left, right int) bool {
		return packages[left].Coins < packages[right].Coins
	})
	return packages
}
