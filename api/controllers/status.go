package controllers

import (
	"net/http"

	"github.com/holisticpeople/funnel-bridge/api/responses"
	"github.com/holisticpeople/funnel-bridge/api/validators"
	checkoutsvc "github.com/holisticpeople/funnel-bridge/internal/checkout"
	"github.com/holisticpeople/funnel-bridge/internal/funnel"
	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
	"github.com/holisticpeople/funnel-bridge/pkg/logger"
)

type funnelStatusResponse struct {
	FunnelID       string `json:"funnel_id"`
	Mode           string `json:"mode"`
	PublishableKey string `json:"publishable_key,omitempty"`
	RedirectURL    string `json:"redirect_url,omitempty"`
}

// FunnelStatus reports whether a funnel accepts checkouts and which
// processor environment it runs against. A switched-off funnel is a
// normal answer here, not an error; the page uses it to redirect.
func FunnelStatus(registry *funnel.Registry, processors checkoutsvc.Source, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		funnelID, err := validators.RequireQuery(r, "funnel_id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		f, err := registry.Get(funnelID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		mode, err := f.ResolveMode()
		if err != nil {
			if appErr := pkgerrors.As(err); appErr != nil && appErr.Code() == pkgerrors.CodeConflict {
				responses.WriteSuccess(w, funnelStatusResponse{
					FunnelID:    f.ID,
					Mode:        funnel.ModeOff,
					RedirectURL: f.RedirectURL,
				})
				return
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		proc, err := processors.ProcessorFor(mode)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, funnelStatusResponse{
			FunnelID:       f.ID,
			Mode:           string(mode),
			PublishableKey: proc.PublishableKey(),
		})
	}
}
