package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ClientDB handles client-side database operations: stored logins,
// preferences and a cache of the last messages seen per chat.
type ClientDB struct {
	db *sql.DB
}

// NewClientDB opens or creates the client database.
func NewClientDB(path string) (*ClientDB, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	cdb := &ClientDB{db: db}
	if err := cdb.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return cdb, nil
}

// Close closes the database connection.
func (c *ClientDB) Close() error {
	return c.db.Close()
}

func (c *ClientDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			server_url TEXT PRIMARY KEY,
			user_json TEXT NOT NULL,
			token TEXT NOT NULL,
			last_connected DATETIME
		);

		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cached_messages (
			server_url TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (server_url, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_cached_messages_chat
			ON cached_messages(server_url, chat_id, created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// SaveAccount adds or replaces the login stored for a server.
func (c *ClientDB) SaveAccount(serverURL string, user *models.User, token string) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`
		INSERT INTO accounts (server_url, user_json, token, last_connected)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT(server_url) DO UPDATE SET
			user_json = excluded.user_json,
			token = excluded.token
	`, serverURL, string(raw), token)
	return err
}

// GetAccount returns the login stored for a server, or nil.
func (c *ClientDB) GetAccount(serverURL string) (*models.Account, error) {
	var (
		acc           models.Account
		userJSON      string
		lastConnected sql.NullTime
	)
	err := c.db.QueryRow(`SELECT server_url, user_json, token, last_connected FROM accounts WHERE server_url = ?`, serverURL).
		Scan(&acc.ServerURL, &userJSON, &acc.Token, &lastConnected)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(userJSON), &acc.User); err != nil {
		return nil, errors.Wrap(err, "decode stored user")
	}
	if lastConnected.Valid {
		acc.LastConnected = lastConnected.Time
	}
	return &acc, nil
}

// RemoveAccount forgets a server's login and its cached messages.
func (c *ClientDB) RemoveAccount(serverURL string) error {
	if _, err := c.db.Exec(`DELETE FROM accounts WHERE server_url = ?`, serverURL); err != nil {
		return err
	}
	return c.ClearCachedMessages(serverURL)
}

// UpdateLastConnected updates the last connected time for a server.
func (c *ClientDB) UpdateLastConnected(serverURL string) error {
	_, err := c.db.Exec(`UPDATE accounts SET last_connected = ? WHERE server_url = ?`, time.Now().UTC(), serverURL)
	return err
}

// GetPreference retrieves a preference value.
func (c *ClientDB) GetPreference(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetPreference sets a preference value.
func (c *ClientDB) SetPreference(key, value string) error {
	_, err := c.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// ReplaceCachedMessages makes msgs the cached copy of a chat.
func (c *ClientDB) ReplaceCachedMessages(serverURL, chatID string, msgs []models.Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_messages WHERE server_url = ? AND chat_id = ?`, serverURL, chatID); err != nil {
		return err
	}
	for i := range msgs {
		if err := cacheMessage(tx, serverURL, &msgs[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CacheMessage caches a message locally, replacing an older copy.
func (c *ClientDB) CacheMessage(serverURL string, msg *models.Message) error {
	return cacheMessage(c.db, serverURL, msg)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func cacheMessage(e execer, serverURL string, msg *models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = e.Exec(`
		INSERT OR REPLACE INTO cached_messages
			(server_url, chat_id, message_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, serverURL, msg.ChatID, msg.ID, string(raw), msg.CreatedAt)
	return err
}

// DeleteCachedMessage drops one cached message.
func (c *ClientDB) DeleteCachedMessage(serverURL, messageID string) error {
	_, err := c.db.Exec(`DELETE FROM cached_messages WHERE server_url = ? AND message_id = ?`, serverURL, messageID)
	return err
}

// GetCachedMessages retrieves the newest cached messages of a chat in
// chronological order.
func (c *ClientDB) GetCachedMessages(serverURL, chatID string, limit int) ([]models.Message, error) {
	rows, err := c.db.Query(`
		SELECT payload FROM cached_messages
		WHERE server_url = ? AND chat_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, serverURL, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, errors.Wrap(err, "decode cached message")
		}
		messages = append(messages, m)
	}
	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// ClearCachedMessages clears cached messages for a server.
func (c *ClientDB) ClearCachedMessages(serverURL string) error {
	_, err := c.db.Exec(`DELETE FROM cached_messages WHERE server_url = ?`, serverURL)
	return err
}
