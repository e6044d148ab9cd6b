package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/models"
)

// ReserveConnection inserts a connecting row for (user, platform). A row that
// is already connecting or connected makes this fail with ALREADY_CONNECTED;
// a row left in error is replaced.
func (d *Database) ReserveConnection(ctx context.Context, userID string, platform models.Platform) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO bridge_connections (user_id, platform, status, room_id, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?)
		ON CONFLICT(user_id, platform) DO UPDATE SET
			status = excluded.status,
			room_id = '',
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE bridge_connections.status = ?
	`

	var affected int64
	err := withRetry(ctx, "reserve connection", func() error {
		res, err := d.db.ExecContext(ctx, query, userID, string(platform), string(models.StatusConnecting), now, now, string(models.StatusError))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return appErrors.NewDatabaseError("reserve connection", err)
	}

	if affected == 0 {
		existing, err := d.GetConnection(ctx, userID, platform)
		status := string(models.StatusConnecting)
		if err == nil && existing != nil {
			status = string(existing.Status)
		}
		return appErrors.NewAlreadyConnectedError(string(platform), status)
	}

	return nil
}

// SetConnectionRoom records the management room once the handshake has created it.
func (d *Database) SetConnectionRoom(ctx context.Context, userID string, platform models.Platform, roomID string) error {
	query := `UPDATE bridge_connections SET room_id = ?, updated_at = ? WHERE user_id = ? AND platform = ?`
	return d.updateConnection(ctx, "set connection room", query, roomID, time.Now().Unix(), userID, string(platform))
}

func (d *Database) UpdateConnectionStatus(ctx context.Context, userID string, platform models.Platform, status models.ConnectionStatus) error {
	if status == models.StatusNotConnected {
		return d.DeleteConnection(ctx, userID, platform)
	}
	query := `UPDATE bridge_connections SET status = ?, updated_at = ? WHERE user_id = ? AND platform = ?`
	return d.updateConnection(ctx, "update connection status", query, string(status), time.Now().Unix(), userID, string(platform))
}

func (d *Database) updateConnection(ctx context.Context, op, query string, args ...interface{}) error {
	var affected int64
	err := withRetry(ctx, op, func() error {
		res, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return appErrors.NewDatabaseError(op, err)
	}
	if affected == 0 {
		return appErrors.NewNotFoundError("bridge connection", fmt.Sprintf("%v/%v", args[len(args)-2], args[len(args)-1]))
	}
	return nil
}

// GetConnection returns nil, nil when no row exists.
func (d *Database) GetConnection(ctx context.Context, userID string, platform models.Platform) (*models.BridgeConnection, error) {
	query := `
		SELECT user_id, platform, status, room_id, created_at, updated_at
		FROM bridge_connections
		WHERE user_id = ? AND platform = ?
	`

	conn, err := scanConnection(d.db.QueryRowContext(ctx, query, userID, string(platform)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.NewDatabaseError("get connection", err)
	}
	return conn, nil
}

func (d *Database) DeleteConnection(ctx context.Context, userID string, platform models.Platform) error {
	err := withRetry(ctx, "delete connection", func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM bridge_connections WHERE user_id = ? AND platform = ?`, userID, string(platform))
		return err
	})
	if err != nil {
		return appErrors.NewDatabaseError("delete connection", err)
	}
	return nil
}

// ListConnections returns a user's rows, or every row when userID is empty.
func (d *Database) ListConnections(ctx context.Context, userID string) ([]models.BridgeConnection, error) {
	query := `
		SELECT user_id, platform, status, room_id, created_at, updated_at
		FROM bridge_connections
		WHERE (? = '' OR user_id = ?)
		ORDER BY user_id, platform
	`

	rows, err := d.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, appErrors.NewDatabaseError("list connections", err)
	}
	defer rows.Close()

	var conns []models.BridgeConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, appErrors.NewDatabaseError("scan connection", err)
		}
		conns = append(conns, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewDatabaseError("list connections", err)
	}
	return conns, nil
}

// HasActiveConnections reports whether the user still has a connecting or connected bridge.
func (d *Database) HasActiveConnections(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM bridge_connections WHERE user_id = ? AND status IN (?, ?))`

	var exists bool
	err := d.db.QueryRowContext(ctx, query, userID, string(models.StatusConnecting), string(models.StatusConnected)).Scan(&exists)
	if err != nil {
		return false, appErrors.NewDatabaseError("check active connections", err)
	}
	return exists, nil
}

// DeleteStaleConnections removes connecting or error rows untouched since olderThan.
func (d *Database) DeleteStaleConnections(ctx context.Context, olderThan time.Time) ([]models.BridgeConnection, error) {
	query := `
		DELETE FROM bridge_connections
		WHERE status IN (?, ?) AND updated_at < ?
		RETURNING user_id, platform, status, room_id, created_at, updated_at
	`

	rows, err := d.db.QueryContext(ctx, query, string(models.StatusConnecting), string(models.StatusError), olderThan.Unix())
	if err != nil {
		return nil, appErrors.NewDatabaseError("delete stale connections", err)
	}
	defer rows.Close()

	var removed []models.BridgeConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, appErrors.NewDatabaseError("scan connection", err)
		}
		removed = append(removed, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewDatabaseError("delete stale connections", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*models.BridgeConnection, error) {
	var (
		conn               models.BridgeConnection
		platform, status   string
		createdAt, updated int64
	)
	if err := row.Scan(&conn.UserID, &platform, &status, &conn.RoomID, &createdAt, &updated); err != nil {
		return nil, err
	}
	conn.Platform = models.Platform(platform)
	conn.Status = models.ConnectionStatus(status)
	conn.CreatedAt = time.Unix(createdAt, 0).UTC()
	conn.UpdatedAt = time.Unix(updated, 0).UTC()
	return &conn, nil
}
