package db

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("already exists")

// ServerDB handles server-side database operations.
type ServerDB struct {
	db  *sql.DB
	now func() time.Time
}

// NewServerDB opens or creates the server database.
func NewServerDB(path string) (*ServerDB, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One writer at a time; sqlite serializes writes anyway and a single
	// connection keeps transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	sdb := &ServerDB{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := sdb.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return sdb, nil
}

// Close closes the database connection.
func (s *ServerDB) Close() error {
	return s.db.Close()
}

func (s *ServerDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			direct_key TEXT UNIQUE,
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_members (
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id),
			joined_at DATETIME NOT NULL,
			PRIMARY KEY (chat_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);

		-- reply_to_id has no foreign key: replies outlive
		-- their targets and render as unavailable.
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			author_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL DEFAULT '',
			reply_to_id TEXT,
			created_at DATETIME NOT NULL,
			edited_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			storage_key TEXT NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id, position);
		CREATE INDEX IF NOT EXISTS idx_attachments_key ON attachments(storage_key);

		CREATE TABLE IF NOT EXISTS read_receipts (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id),
			read_at DATETIME NOT NULL,
			PRIMARY KEY (message_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_read_receipts_user ON read_receipts(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser registers a new user.
func (s *ServerDB) CreateUser(ctx context.Context, login, firstName, lastName string) (*models.User, error) {
	u := &models.User{
		ID:        uuid.New().String(),
		Login:     strings.TrimSpace(login),
		FirstName: strings.TrimSpace(firstName),
		LastName:  strings.TrimSpace(lastName),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, login, first_name, last_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Login, u.FirstName, u.LastName, s.now())
	if isUniqueViolation(err) {
		return nil, errors.Wrapf(ErrDuplicate, "login %q", u.Login)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser returns a user by ID, or nil if it does not exist.
func (s *ServerDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, login, first_name, last_name FROM users WHERE id = ?`, id))
}

// GetUserByLogin returns a user by handle, or nil if it does not exist.
func (s *ServerDB) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, login, first_name, last_name FROM users WHERE login = ?`, strings.TrimSpace(login)))
}

func (s *ServerDB) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Login, &u.FirstName, &u.LastName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SearchUsers finds up to ten users whose handle or name contains query.
func (s *ServerDB) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, login, first_name, last_name FROM users
		WHERE login LIKE ? OR first_name LIKE ? OR last_name LIKE ?
		ORDER BY login LIMIT 10
	`, pattern, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Login, &u.FirstName, &u.LastName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateGroupChat creates a group chat with the creator and the given
// members. Unknown or repeated member IDs are ignored.
func (s *ServerDB) CreateGroupChat(ctx context.Context, title, creatorID string, memberIDs []string) (*models.Chat, error) {
	chat := &models.Chat{
		ID:        uuid.New().String(),
		Kind:      models.ChatGroup,
		Title:     strings.TrimSpace(title),
		CreatedBy: creatorID,
		CreatedAt: s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, kind, title, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.Kind, chat.Title, chat.CreatedBy, chat.CreatedAt); err != nil {
		return nil, err
	}
	for _, uid := range append([]string{creatorID}, memberIDs...) {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chat_members (chat_id, user_id, joined_at)
			SELECT ?, id, ? FROM users WHERE id = ?
		`, chat.ID, chat.CreatedAt, uid); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return chat, nil
}

// GetOrCreateDirectChat returns the direct chat between two users, creating
// it if needed. created reports whether a new chat was inserted.
func (s *ServerDB) GetOrCreateDirectChat(ctx context.Context, userID, peerID string) (chat *models.Chat, created bool, err error) {
	key := models.DirectKey(userID, peerID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := scanChat(tx.QueryRowContext(ctx, chatSelect+` WHERE direct_key = ?`, key))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, tx.Commit()
	}

	chat = &models.Chat{
		ID:        uuid.New().String(),
		Kind:      models.ChatDirect,
		DirectKey: key,
		CreatedBy: userID,
		CreatedAt: s.now(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, kind, title, direct_key, created_by, created_at) VALUES (?, ?, '', ?, ?, ?)`,
		chat.ID, chat.Kind, chat.DirectKey, chat.CreatedBy, chat.CreatedAt); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES (?, ?, ?), (?, ?, ?)`,
		chat.ID, userID, chat.CreatedAt, chat.ID, peerID, chat.CreatedAt); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return chat, true, nil
}

const chatSelect = `SELECT id, kind, title, COALESCE(direct_key, ''), created_by, created_at FROM chats`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChat(row rowScanner) (*models.Chat, error) {
	var c models.Chat
	err := row.Scan(&c.ID, &c.Kind, &c.Title, &c.DirectKey, &c.CreatedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChat returns a chat by ID, or nil if it does not exist.
func (s *ServerDB) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	return scanChat(s.db.QueryRowContext(ctx, chatSelect+` WHERE id = ?`, id))
}

// IsMember reports whether the user belongs to the chat.
func (s *ServerDB) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chat_members WHERE chat_id = ? AND user_id = ?`, chatID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// AddMember adds a user to a chat. added is false if already a member.
func (s *ServerDB) AddMember(ctx context.Context, chatID, userID string) (added bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_members (chat_id, user_id, joined_at) VALUES (?, ?, ?)`,
		chatID, userID, s.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveMember removes a user from a chat.
func (s *ServerDB) RemoveMember(ctx context.Context, chatID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

// MemberIDs returns the user IDs belonging to a chat.
func (s *ServerDB) MemberIDs(ctx context.Context, chatID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY joined_at`, chatID)
}

// ChatIDsForUser returns the IDs of every chat the user belongs to.
func (s *ServerDB) ChatIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT chat_id FROM chat_members WHERE user_id = ?`, userID)
}

func (s *ServerDB) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListChats returns the conversation list for a user, most recently active
// first. Direct chats are titled with the other member's name.
func (s *ServerDB) ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.title, COALESCE(c.direct_key, ''), c.created_by, c.created_at,
			(SELECT COUNT(*) FROM chat_members cm WHERE cm.chat_id = c.id),
			lm.content, lm.created_at,
			(SELECT a.name FROM attachments a WHERE a.message_id = lm.id ORDER BY a.position LIMIT 1),
			(SELECT COUNT(*) FROM messages um
				WHERE um.chat_id = c.id AND um.author_id <> ?
				AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = um.id AND r.user_id = ?)),
			(SELECT u.login || char(31) || u.first_name || char(31) || u.last_name
				FROM chat_members om JOIN users u ON u.id = om.user_id
				WHERE om.chat_id = c.id AND om.user_id <> ? LIMIT 1)
		FROM chats c
		JOIN chat_members me ON me.chat_id = c.id AND me.user_id = ?
		LEFT JOIN messages lm ON lm.seq = (SELECT MAX(seq) FROM messages WHERE chat_id = c.id)
	`, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.ChatSummary
	for rows.Next() {
		var (
			cs                           models.ChatSummary
			lastContent, firstAttachment sql.NullString
			lastAt                       sql.NullTime
			peer                         sql.NullString
		)
		if err := rows.Scan(&cs.ID, &cs.Kind, &cs.Title, &cs.DirectKey, &cs.CreatedBy, &cs.CreatedAt,
			&cs.Members, &lastContent, &lastAt, &firstAttachment, &cs.Unread, &peer); err != nil {
			return nil, err
		}
		if lastAt.Valid {
			t := lastAt.Time
			cs.LastActivity = &t
			last := models.Message{Content: lastContent.String}
			if firstAttachment.Valid {
				last.Attachments = []models.Attachment{{Name: firstAttachment.String}}
			}
			cs.Preview = last.PreviewText()
		}
		if cs.Kind == models.ChatDirect && peer.Valid {
			parts := strings.SplitN(peer.String, "\x1f", 3)
			if len(parts) == 3 {
				u := models.User{Login: parts[0], FirstName: parts[1], LastName: parts[2]}
				cs.Title = u.DisplayName()
			}
		}
		chats = append(chats, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByActivity(chats)
	return chats, nil
}

// GetChatSummary returns the list-view entry for one chat as seen by userID.
func (s *ServerDB) GetChatSummary(ctx context.Context, chatID, userID string) (*models.ChatSummary, error) {
	chats, err := s.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range chats {
		if chats[i].ID == chatID {
			return &chats[i], nil
		}
	}
	return nil, nil
}

func sortByActivity(chats []models.ChatSummary) {
	activity := func(c models.ChatSummary) time.Time {
		if c.LastActivity != nil {
			return *c.LastActivity
		}
		return c.CreatedAt
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return activity(chats[i]).After(activity(chats[j]))
	})
}
