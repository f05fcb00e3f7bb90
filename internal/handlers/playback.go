package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vidfriends/accessgate/internal/access"
	"github.com/vidfriends/accessgate/internal/logging"
)

// maxTTLSeconds bounds ttl_seconds so the conversion to time.Duration cannot overflow.
const maxTTLSeconds = 30 * 24 * 60 * 60

// PlaybackHandler implements the playback token endpoints.
type PlaybackHandler struct {
	Access            AccessService
	Limiter           RateLimiter
	TrustProxyHeaders bool
}

type issueTokenRequest struct {
	ResourceID   string `json:"resource_id"`
	TTLSeconds   int    `json:"ttl_seconds"`
	Subject      string `json:"subject"`
	BindIP       string `json:"bind_ip"`
	BindClientIP bool   `json:"bind_client_ip"`
}

type validateTokenRequest struct {
	Token      string `json:"token"`
	Grant      string `json:"grant"`
	ResourceID string `json:"resource_id"`
}

type revokeTokenRequest struct {
	Token string `json:"token"`
}

// Issue handles POST /api/v1/playback/tokens requests.
func (h PlaybackHandler) Issue(w http.ResponseWriter, r *http.Request) {
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
	if !allowRequest(h.Limiter, ip, "playback") {
		respondTooManyRequests(ctx, w)
		return
	}

	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logger.Warn("invalid issue payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	if req.ResourceID == "" || req.TTLSeconds < 0 {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "resource_id is required and ttl_seconds must not be negative"})
		return
	}
	if req.TTLSeconds > maxTTLSeconds {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("ttl_seconds must not exceed %d", maxTTLSeconds)})
		return
	}

	bindIP := strings.TrimSpace(req.BindIP)
	if bindIP == "" && req.BindClientIP {
		bindIP = ip
	}

	result, err := h.Access.IssuePlaybackToken(ctx, access.IssueRequest{
		ResourceID: req.ResourceID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		Subject:    req.Subject,
		BindIP:     bindIP,
		Identity:   ip,
	})
	if err != nil {
		logger.Error("issue playback token failed", "resourceId", req.ResourceID, "error", err)
		respondServiceError(ctx, w, err)
		return
	}

	if result.Reason == access.ReasonInvalid {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "bind_ip is not a valid address", "reason": string(result.Reason)})
		return
	}
	if result.Token != "" {
		respondJSON(ctx, w, http.StatusCreated, result)
		return
	}
	respondOutcome(ctx, w, false, result.Reason, result.RetryAfter, result)
}

// Validate handles POST /api/v1/playback/validate requests. Either an opaque
// token or a signed grant may be presented.
func (h PlaybackHandler) Validate(w http.ResponseWriter, r *http.Request) {
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
	if !allowRequest(h.Limiter, ip, "playback") {
		respondTooManyRequests(ctx, w)
		return
	}

	var req validateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logger.Warn("invalid validate token payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.Grant = strings.TrimSpace(req.Grant)
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	if (req.Token == "") == (req.Grant == "") {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "exactly one of token or grant is required"})
		return
	}

	var (
		result access.PlaybackValidation
		err    error
	)
	if req.Grant != "" {
		result, err = h.Access.VerifyGrant(ctx, req.Grant, ip, req.ResourceID)
	} else {
		result, err = h.Access.ValidatePlaybackToken(ctx, req.Token, ip)
		if err == nil && result.Valid && req.ResourceID != "" && result.ResourceID != req.ResourceID {
			result = access.PlaybackValidation{Reason: access.ReasonResourceMismatch}
		}
	}
	if errors.Is(err, access.ErrGrantsDisabled) {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "signed grants are not enabled"})
		return
	}
	if err != nil {
		logger.Error("validate playback credential failed", "error", err)
		respondServiceError(ctx, w, err)
		return
	}

	respondOutcome(ctx, w, result.Valid, result.Reason, result.RetryAfter, result)
}

// Revoke handles POST /api/v1/playback/revoke requests. Unknown tokens are accepted.
func (h PlaybackHandler) Revoke(w http.ResponseWriter, r *http.Request) {
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

	var req revokeTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logger.Warn("invalid revoke payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	if err := h.Access.RevokePlaybackToken(ctx, strings.TrimSpace(req.Token)); err != nil {
		logger.Error("revoke playback token failed", "error", err)
		respondServiceError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
