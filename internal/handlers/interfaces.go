package handlers

import (
	"context"

	"github.com/vidfriends/accessgate/internal/access"
)

// AccessService is the subset of access.Service exposed over HTTP.
type AccessService interface {
	ValidateGiftCode(ctx context.Context, code, identity string) (access.CodeValidation, error)
	RedeemForPlayback(ctx context.Context, code, resourceID, identity string) (access.Redemption, access.PlaybackIssue, error)
	IssuePlaybackToken(ctx context.Context, req access.IssueRequest) (access.PlaybackIssue, error)
	ValidatePlaybackToken(ctx context.Context, token, requesterIP string) (access.PlaybackValidation, error)
	VerifyGrant(ctx context.Context, grant, requesterIP, resourceID string) (access.PlaybackValidation, error)
	RevokePlaybackToken(ctx context.Context, token string) error
}

var _ AccessService = (*access.Service)(nil)
