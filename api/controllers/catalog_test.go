package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holisticpeople/funnel-bridge/pkg/commerce"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

type fakeProductLookup struct {
	bySKU map[string]*commerce.Product
}

func (f *fakeProductLookup) ResolveProductBySKU(ctx context.Context, sku string) (*commerce.Product, error) {
	if p, ok := f.bySKU[strings.ToUpper(sku)]; ok {
		return p, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
}

func TestCatalogPricesReportsFoundAndMissing(t *testing.T) {
	lookup := &fakeProductLookup{bySKU: map[string]*commerce.Product{
		"TEA-1": {ID: 1, SKU: "TEA-1", Name: "Herbal Tea", PriceCents: 8500, RegularCents: 10000, Purchasable: true},
	}}
	handler := CatalogPrices(lookup, logger.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/?skus=TEA-1,GONE-9,tea-1", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data catalogPricesResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))

	// The duplicate SKU collapses; the unknown one is reported, not an error.
	require.Len(t, envelope.Data.Prices, 1)
	assert.Equal(t, int64(8500), envelope.Data.Prices[0].PriceCents)
	assert.Equal(t, int64(10000), envelope.Data.Prices[0].RegularCents)
	assert.Equal(t, []string{"GONE-9"}, envelope.Data.Missing)
}

func TestCatalogPricesRequiresSKUs(t *testing.T) {
	handler := CatalogPrices(&fakeProductLookup{}, logger.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
