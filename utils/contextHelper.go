package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/ledger_sync/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyLedgerId      = appctx.ContextKeyLedgerId
	ContextKeyMemberId      = appctx.ContextKeyMemberId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetLedgerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyLedgerId)
}

func GetMemberIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyMemberId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetLedgerIdInContext(ctx context.Context, ledgerId string) context.Context {
	return appctx.Set(ctx, ContextKeyLedgerId, ledgerId)
}

func SetMemberIdInContext(ctx context.Context, memberId string) context.Context {
	return appctx.Set(ctx, ContextKeyMemberId, memberId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
