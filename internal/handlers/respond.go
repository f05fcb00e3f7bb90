package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vidfriends/accessgate/internal/access"
	"github.com/vidfriends/accessgate/internal/logging"
)

const maxBodyBytes = 16 << 10

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusForReason maps a rejected outcome to an HTTP status.
func statusForReason(reason access.Reason) int {
	switch reason {
	case access.ReasonRateLimited:
		return http.StatusTooManyRequests
	case access.ReasonNotFound, access.ReasonInvalid:
		return http.StatusUnauthorized
	case access.ReasonDisabled, access.ReasonIPMismatch, access.ReasonResourceMismatch, access.ReasonIPRestricted:
		return http.StatusForbidden
	case access.ReasonExpired, access.ReasonExhausted, access.ReasonConflict:
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}

// respondOutcome writes payload with the status for reason, or 200 when ok.
func respondOutcome(ctx context.Context, w http.ResponseWriter, ok bool, reason access.Reason, retryAfter int, payload any) {
	if ok {
		respondJSON(ctx, w, http.StatusOK, payload)
		return
	}
	if reason == access.ReasonRateLimited {
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	respondJSON(ctx, w, statusForReason(reason), payload)
}

func respondTooManyRequests(ctx context.Context, w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many requests", "reason": string(access.ReasonRateLimited)})
}

func respondServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, access.ErrStorageUnavailable) {
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}
	respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
