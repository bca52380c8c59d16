package store

import (
	"database/sql"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// tokenUnavailable explains why rec cannot be consumed at now, or returns nil
// when it can. Shared by every TokenStore so they classify identically.
func tokenUnavailable(token string, rec *TokenRecord, now time.Time) error {
	if rec == nil {
		return schema.NewError(schema.ErrCodeTokenNotFound, "resumption token not found").
			WithDetails(map[string]any{"token": token})
	}
	switch rec.Status {
	case schema.TokenConsumed:
		return schema.NewError(schema.ErrCodeAlreadyConsumed, "resumption token has already been used").
			WithDetails(map[string]any{"execution_id": rec.ExecutionID})
	case schema.TokenExpired:
		return expiredErr(rec)
	case schema.TokenCancelled:
		return schema.NewError(schema.ErrCodeTokenNotFound, "resumption token was cancelled").
			WithDetails(map[string]any{"execution_id": rec.ExecutionID})
	case schema.TokenPending:
		if !now.Before(rec.ExpiresAt) {
			return expiredErr(rec)
		}
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeStore, "resumption token has unknown status %q", rec.Status)
	}
}

func expiredErr(rec *TokenRecord) error {
	return schema.NewError(schema.ErrCodeExpiredToken, "resumption token has expired").
		WithDetails(map[string]any{
			"execution_id": rec.ExecutionID,
			"expires_at":   rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		})
}
