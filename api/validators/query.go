package validators

import (
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
)

// RequireQuery returns a non-empty query parameter or a validation error.
func RequireQuery(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "query parameter is required").WithDetails(map[string]any{"field": key})
	}
	return raw, nil
}

// RequireQueryInt64 parses a required positive integer query parameter.
func RequireQueryInt64(r *http.Request, key string) (int64, error) {
	raw, err := RequireQuery(r, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be numeric").WithDetails(map[string]any{"field": key})
	}
	if value <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be positive").WithDetails(map[string]any{"field": key})
	}
	return value, nil
}
