package funnel

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/stripe"
)

// ModeOff disables checkout for a funnel without removing its config.
const ModeOff = "off"

// Override adjusts one product's treatment inside a funnel: pull it out of
// the global discount base and optionally re-price it at MSRP minus its
// own percent. Lookup matches product id first, SKU second.
type Override struct {
	ProductID                 int64    `json:"product_id,omitempty"`
	SKU                       string   `json:"sku,omitempty"`
	ExcludeFromGlobalDiscount bool     `json:"exclude_from_global_discount"`
	ItemDiscountPercent       *float64 `json:"item_discount_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Funnel is one landing page's checkout policy, authored by an operator
// and read-only at checkout time.
type Funnel struct {
	ID                    string     `json:"id" validate:"required"`
	Name                  string     `json:"name"`
	Mode                  string     `json:"mode" validate:"required,oneof=test live off"`
	GlobalDiscountPercent float64    `json:"global_discount_percent" validate:"gte=0,lte=100"`
	Overrides             []Override `json:"overrides,omitempty" validate:"dive"`
	RedirectURL           string     `json:"redirect_url,omitempty"`
}

// Registry holds every configured funnel, loaded once at startup.
type Registry struct {
	funnels map[string]Funnel
}

// LoadRegistry reads and validates the funnel config file.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading funnel config %s: %w", path, err)
	}

	var payload struct {
		Funnels []Funnel `json:"funnels"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing funnel config %s: %w", path, err)
	}
	return NewRegistry(payload.Funnels)
}

// NewRegistry validates funnel entries and indexes them by id.
func NewRegistry(funnels []Funnel) (*Registry, error) {
	validate := validator.New()
	indexed := make(map[string]Funnel, len(funnels))
	for i, f := range funnels {
		f.ID = strings.TrimSpace(f.ID)
		f.Mode = strings.ToLower(strings.TrimSpace(f.Mode))
		if err := validate.Struct(f); err != nil {
			return nil, fmt.Errorf("funnel config entry %d: %w", i, err)
		}
		if _, exists := indexed[f.ID]; exists {
			return nil, fmt.Errorf("funnel config entry %d: duplicate funnel id %q", i, f.ID)
		}
		indexed[f.ID] = f
	}
	return &Registry{funnels: indexed}, nil
}

// Get returns the funnel policy for an id.
func (r *Registry) Get(id string) (*Funnel, error) {
	if r == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "funnel registry not configured")
	}
	f, ok := r.funnels[strings.TrimSpace(id)]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("unknown funnel %q", id)).
			WithDetails(map[string]any{"funnel_id": id})
	}
	return &f, nil
}

// Len reports how many funnels are configured.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.funnels)
}

// OverrideFor finds the override matching a product, by id first and SKU
// second.
func (f *Funnel) OverrideFor(productID int64, sku string) *Override {
	if f == nil {
		return nil
	}
	for i := range f.Overrides {
		if f.Overrides[i].ProductID != 0 && f.Overrides[i].ProductID == productID {
			return &f.Overrides[i]
		}
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil
	}
	for i := range f.Overrides {
		if f.Overrides[i].SKU != "" && strings.EqualFold(f.Overrides[i].SKU, sku) {
			return &f.Overrides[i]
		}
	}
	return nil
}

// ResolveMode maps the funnel's configured mode onto a processor mode.
// A funnel switched off is a conflict carrying the operator's redirect
// target; anything else unexpected is a config fault, never a silent
// fallback to the test processor.
func (f *Funnel) ResolveMode() (stripe.Mode, error) {
	if f == nil {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "funnel is not configured")
	}
	switch f.Mode {
	case string(stripe.ModeTest):
		return stripe.ModeTest, nil
	case string(stripe.ModeLive):
		return stripe.ModeLive, nil
	case ModeOff:
		return "", pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("funnel %q is switched off", f.ID)).
			WithDetails(map[string]any{"funnel_id": f.ID, "redirect_url": f.RedirectURL})
	default:
		return "", pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("funnel %q has no processor mode configured", f.ID)).
			WithDetails(map[string]any{"funnel_id": f.ID, "mode": f.Mode})
	}
}
