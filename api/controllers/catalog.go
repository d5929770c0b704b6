package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/api/validators"
	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

const maxCatalogSKUs = 50

// ProductLookup resolves catalog products by SKU.
type ProductLookup interface {
	ResolveProductBySKU(ctx context.Context, sku string) (*commerce.Product, error)
}

type catalogPricePayload struct {
	SKU          string `json:"sku"`
	ProductID    int64  `json:"product_id"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
	RegularCents int64  `json:"regular_cents"`
	Purchasable  bool   `json:"purchasable"`
}

type catalogPricesResponse struct {
	Prices  []catalogPricePayload `json:"prices"`
	Missing []string              `json:"missing,omitempty"`
}

// CatalogPrices returns current and regular prices for a SKU list so the
// funnel page can render strike-through pricing.
func CatalogPrices(lookup ProductLookup, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		raw, err := validators.RequireQuery(r, "skus")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		skus := splitSKUs(raw)
		if len(skus) == 0 {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "no skus given"))
			return
		}
		if len(skus) > maxCatalogSKUs {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "too many skus requested").
				WithDetails(map[string]any{"max": maxCatalogSKUs}))
			return
		}

		resp := catalogPricesResponse{Prices: []catalogPricePayload{}}
		for _, sku := range skus {
			product, err := lookup.ResolveProductBySKU(ctx, sku)
			if err != nil {
				if appErr := pkgerrors.As(err); appErr != nil && appErr.Code() == pkgerrors.CodeNotFound {
					resp.Missing = append(resp.Missing, sku)
					continue
				}
				responses.WriteError(ctx, logg, w, err)
				return
			}
			resp.Prices = append(resp.Prices, catalogPricePayload{
				SKU:          product.SKU,
				ProductID:    product.ID,
				Name:         product.Name,
				PriceCents:   product.PriceCents,
				RegularCents: product.RegularCents,
				Purchasable:  product.Purchasable,
			})
		}
		responses.WriteSuccess(w, resp)
	}
}

func splitSKUs(raw string) []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		sku := strings.TrimSpace(part)
		if sku == "" || seen[strings.ToLower(sku)] {
			continue
		}
		seen[strings.ToLower(sku)] = true
		out = append(out, sku)
	}
	return out
}
