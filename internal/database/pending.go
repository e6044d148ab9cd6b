package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/models"
)

const pendingColumns = `user_id, platform, resolved_chat_name, message_body, image_url, created_at, expires_at`

// SavePendingSend stores req as the user's only pending send, replacing any previous one.
func (d *Database) SavePendingSend(ctx context.Context, req *models.PendingSendRequest) error {
	body, err := d.encryptor.Encrypt(req.MessageBody)
	if err != nil {
		return appErrors.NewDatabaseError("encrypt pending body", err)
	}

	query := `
		INSERT INTO pending_sends (` + pendingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			platform = excluded.platform,
			resolved_chat_name = excluded.resolved_chat_name,
			message_body = excluded.message_body,
			image_url = excluded.image_url,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	err = withRetry(ctx, "save pending send", func() error {
		_, err := d.db.ExecContext(ctx, query,
			req.UserID, string(req.Platform), req.ResolvedChatName, body, req.ImageURL,
			req.CreatedAt.Unix(), req.ExpiresAt.Unix())
		return err
	})
	if err != nil {
		return appErrors.NewDatabaseError("save pending send", err)
	}
	return nil
}

// TakePendingSend deletes and returns the user's pending send in one
// statement, so two concurrent takers can never both see the same row.
// Returns nil, nil when nothing is pending.
func (d *Database) TakePendingSend(ctx context.Context, userID string) (*models.PendingSendRequest, error) {
	query := `DELETE FROM pending_sends WHERE user_id = ? RETURNING ` + pendingColumns
	return d.scanPending(d.db.QueryRowContext(ctx, query, userID), "take pending send")
}

// GetPendingSend reads without consuming.
func (d *Database) GetPendingSend(ctx context.Context, userID string) (*models.PendingSendRequest, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_sends WHERE user_id = ?`
	return d.scanPending(d.db.QueryRowContext(ctx, query, userID), "get pending send")
}

func (d *Database) DeletePendingSend(ctx context.Context, userID string) error {
	err := withRetry(ctx, "delete pending send", func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM pending_sends WHERE user_id = ?`, userID)
		return err
	})
	if err != nil {
		return appErrors.NewDatabaseError("delete pending send", err)
	}
	return nil
}

// DeleteExpiredPendingSends purges every request whose expiry is at or before now.
func (d *Database) DeleteExpiredPendingSends(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := withRetry(ctx, "delete expired pending sends", func() error {
		res, err := d.db.ExecContext(ctx, `DELETE FROM pending_sends WHERE expires_at <= ?`, now.Unix())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, appErrors.NewDatabaseError("delete expired pending sends", err)
	}
	return affected, nil
}

func (d *Database) scanPending(row *sql.Row, op string) (*models.PendingSendRequest, error) {
	var (
		req                  models.PendingSendRequest
		platform, body       string
		createdAt, expiresAt int64
	)
	err := row.Scan(&req.UserID, &platform, &req.ResolvedChatName, &body, &req.ImageURL, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.NewDatabaseError(op, err)
	}

	req.MessageBody, err = d.encryptor.Decrypt(body)
	if err != nil {
		return nil, appErrors.NewDatabaseError("decrypt pending body", err)
	}
	req.Platform = models.Platform(platform)
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	req.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &req, nil
}
