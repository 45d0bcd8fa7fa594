package adapthttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tankwatch/internal/app"
	"tankwatch/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps application and portal errors to a status code.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	var te *domain.TransientError
	var pe *domain.ParseError
	switch {
	case errors.Is(err, domain.ErrTankNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidSettings), errors.Is(err, errInvalidJSON):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.IsAuth(err), errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.As(err, &te):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var errInvalidJSON = errors.New("invalid json")

func parseJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	return nil
}

func withNoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
