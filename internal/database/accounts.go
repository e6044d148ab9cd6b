package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/models"
)

// GetUserSettings returns the stored settings, or defaults (UTC, confirmation
// required) for a user that has none.
func (d *Database) GetUserSettings(ctx context.Context, userID string) (*models.UserSettings, error) {
	settings := &models.UserSettings{UserID: userID, RequireConfirmation: true}

	err := d.db.QueryRowContext(ctx,
		`SELECT timezone, require_confirmation FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&settings.Timezone, &settings.RequireConfirmation)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return nil, appErrors.NewDatabaseError("get user settings", err)
	}
	return settings, nil
}

func (d *Database) SaveUserSettings(ctx context.Context, settings *models.UserSettings) error {
	if settings.Timezone != "" {
		if _, err := time.LoadLocation(settings.Timezone); err != nil {
			return appErrors.NewValidationError("timezone", settings.Timezone, "unknown timezone")
		}
	}

	query := `
		INSERT INTO user_settings (user_id, timezone, require_confirmation, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			timezone = excluded.timezone,
			require_confirmation = excluded.require_confirmation,
			updated_at = excluded.updated_at
	`
	err := withRetry(ctx, "save user settings", func() error {
		_, err := d.db.ExecContext(ctx, query, settings.UserID, settings.Timezone, settings.RequireConfirmation, time.Now().Unix())
		return err
	})
	if err != nil {
		return appErrors.NewDatabaseError("save user settings", err)
	}
	return nil
}

// GetMatrixAccount returns nil, nil when the user has no credentials on file.
func (d *Database) GetMatrixAccount(ctx context.Context, userID string) (*models.MatrixAccount, error) {
	var (
		account   models.MatrixAccount
		token     string
		updatedAt int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT user_id, mxid, access_token, device_id, updated_at FROM matrix_accounts WHERE user_id = ?`, userID,
	).Scan(&account.UserID, &account.MXID, &token, &account.DeviceID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.NewDatabaseError("get matrix account", err)
	}

	account.AccessToken, err = d.encryptor.Decrypt(token)
	if err != nil {
		return nil, appErrors.NewDatabaseError("decrypt access token", err)
	}
	account.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &account, nil
}

func (d *Database) SaveMatrixAccount(ctx context.Context, account *models.MatrixAccount) error {
	if account.MXID == "" || account.AccessToken == "" {
		return appErrors.NewValidationError("matrix_account", account.UserID, "mxid and access token are required")
	}

	token, err := d.encryptor.Encrypt(account.AccessToken)
	if err != nil {
		return appErrors.NewDatabaseError("encrypt access token", err)
	}

	query := `
		INSERT INTO matrix_accounts (user_id, mxid, access_token, device_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			mxid = excluded.mxid,
			access_token = excluded.access_token,
			device_id = excluded.device_id,
			updated_at = excluded.updated_at
	`
	err = withRetry(ctx, "save matrix account", func() error {
		_, err := d.db.ExecContext(ctx, query, account.UserID, account.MXID, token, account.DeviceID, time.Now().Unix())
		return err
	})
	if err != nil {
		return appErrors.NewDatabaseError("save matrix account", err)
	}
	return nil
}
