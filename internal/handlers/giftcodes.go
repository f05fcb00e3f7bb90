package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/vidfriends/accessgate/internal/access"
	"github.com/vidfriends/accessgate/internal/giftcodes"
	"github.com/vidfriends/accessgate/internal/logging"
)

// GiftCodeHandler implements the gift code endpoints.
type GiftCodeHandler struct {
	Access            AccessService
	Limiter           RateLimiter
	TrustProxyHeaders bool
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

type redeemCodeRequest struct {
	Code       string `json:"code"`
	ResourceID string `json:"resource_id"`
}

type redeemCodeResponse struct {
	access.Redemption
	Token      string     `json:"token,omitempty"`
	Grant      string     `json:"grant,omitempty"`
	ResourceID string     `json:"resource_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Validate handles POST /api/v1/giftcodes/validate requests.
func (h GiftCodeHandler) Validate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Access == nil {
		logger.Error("access service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "access service unavailable"})
		return
	}

	ip := ClientIP(r, h.TrustProxyHeaders)
	if !allowRequest(h.Limiter, ip, "giftcodes") {
		respondTooManyRequests(ctx, w)
		return
	}

	var req validateCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logger.Warn("invalid validate payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}

	result, err := h.Access.ValidateGiftCode(ctx, req.Code, ip)
	if err != nil {
		logger.Error("validate gift code failed", "code", giftcodes.Mask(req.Code), "error", err)
		respondServiceError(ctx, w, err)
		return
	}

	respondOutcome(ctx, w, result.Valid, result.Reason, result.RetryAfter, result)
}

// Redeem handles POST /api/v1/giftcodes/redeem requests. A successful
// redemption returns a playback token for the requested resource.
func (h GiftCodeHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Access == nil {
		logger.Error("access service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "access service unavailable"})
		return
	}

	ip := ClientIP(r, h.TrustProxyHeaders)
	if !allowRequest(h.Limiter, ip, "giftcodes") {
		respondTooManyRequests(ctx, w)
		return
	}

	var req redeemCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logger.Warn("invalid redeem payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	if strings.TrimSpace(req.Code) == "" || req.ResourceID == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "code and resource_id are required"})
		return
	}

	redemption, issue, err := h.Access.RedeemForPlayback(ctx, req.Code, req.ResourceID, ip)
	if err != nil {
		logger.Error("redeem gift code failed", "code", giftcodes.Mask(req.Code), "error", err)
		respondServiceError(ctx, w, err)
		return
	}

	resp := redeemCodeResponse{
		Redemption: redemption,
		Token:      issue.Token,
		Grant:      issue.Grant,
		ResourceID: issue.ResourceID,
		ExpiresAt:  issue.ExpiresAt,
	}
	if redemption.OK && issue.Token == "" {
		// The use was consumed but no token could be minted.
		resp.Reason = issue.Reason
		logger.Warn("redeemed code without playback token", "codeId", redemption.CodeID, "reason", issue.Reason)
		respondJSON(ctx, w, http.StatusUnprocessableEntity, resp)
		return
	}

	respondOutcome(ctx, w, redemption.OK, redemption.Reason, redemption.RetryAfter, resp)
}
