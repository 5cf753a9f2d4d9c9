package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	_ "github.com/mattn/go-sqlite3"
)

var DB *sql.DB

// InitDatabase opens the sqlite database and ensures the schema exists
func InitDatabase(ctx context.Context, dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf("pragma %q failed: %w", p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guild_panels (
			guild_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			message_id TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase("Database initialized at %s", dataSourceName)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		_ = DB.Close()
	}
}

// --- Bot Config (key/value) ---

func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx,
		`INSERT INTO bot_config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

// --- Guild Panels ---

// PanelBinding records where a guild's permanent player panel lives.
type PanelBinding struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	MessageID snowflake.ID
}

func GetPanelBinding(ctx context.Context, guildID snowflake.ID) (*PanelBinding, error) {
	var channelStr string
	var messageStr sql.NullString
	err := DB.QueryRowContext(ctx,
		"SELECT channel_id, message_id FROM guild_panels WHERE guild_id = ?",
		guildID.String()).Scan(&channelStr, &messageStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b := &PanelBinding{GuildID: guildID}
	if b.ChannelID, err = snowflake.Parse(channelStr); err != nil {
		return nil, err
	}
	if messageStr.Valid && messageStr.String != "" {
		if id, err := snowflake.Parse(messageStr.String); err == nil {
			b.MessageID = id
		}
	}
	return b, nil
}

func SetPanelBinding(ctx context.Context, b *PanelBinding) error {
	messageStr := ""
	if b.MessageID != 0 {
		messageStr = b.MessageID.String()
	}
	_, err := DB.ExecContext(ctx,
		`INSERT INTO guild_panels (guild_id, channel_id, message_id, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(guild_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			message_id = excluded.message_id,
			updated_at = CURRENT_TIMESTAMP`,
		b.GuildID.String(), b.ChannelID.String(), messageStr)
	return err
}

func DeletePanelBinding(ctx context.Context, guildID snowflake.ID) error {
	_, err := DB.ExecContext(ctx, "DELETE FROM guild_panels WHERE guild_id = ?", guildID.String())
	return err
}

// ListPanelBindings returns every stored panel binding, used on startup to
// restore panels without waiting for guild activity.
func ListPanelBindings(ctx context.Context) ([]*PanelBinding, error) {
	rows, err := DB.QueryContext(ctx, "SELECT guild_id, channel_id, message_id FROM guild_panels")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PanelBinding
	for rows.Next() {
		var guildStr, channelStr string
		var messageStr sql.NullString
		if err := rows.Scan(&guildStr, &channelStr, &messageStr); err != nil {
			return nil, err
		}
		b := &PanelBinding{}
		if b.GuildID, err = snowflake.Parse(guildStr); err != nil {
			continue
		}
		if b.ChannelID, err = snowflake.Parse(channelStr); err != nil {
			continue
		}
		if messageStr.Valid && messageStr.String != "" {
			if id, err := snowflake.Parse(messageStr.String); err == nil {
				b.MessageID = id
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
