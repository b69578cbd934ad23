package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/MrGodgames/Space-Point/client"
	"github.com/MrGodgames/Space-Point/internal/db"
	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const usage = `commands:
  /chats                 list conversations
  /open <n>              open conversation n from /chats
  /more                  load older messages of the open chat
  /dm <login>            open a direct chat
  /new <title> <login>…  create a group chat
  /add <login>           add a member to the open chat
  /leave                 leave the open chat
  /reply <id> <text>     reply to a message
  /edit <id> <text>      edit one of your messages
  /del <id>              delete one of your messages
  /upload <path>         send a file
  /quit
anything else is sent to the open chat`

type app struct {
	api   *client.APIClient
	conn  *client.Connection
	rec   *client.Reconciler
	cache *db.ClientDB
	log   *zap.Logger
	out   *bufio.Writer
}

func main() {
	serverURL := flag.String("server", "http://localhost:4000", "server URL")
	dataDir := flag.String("data", filepath.Join(os.Getenv("HOME"), ".config", "space-point"), "client state directory")
	register := flag.String("register", "", "create an account with this login")
	firstName := flag.String("name", "", "first name for -register")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := zapcore.WarnLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	log, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}
	cache, err := db.NewClientDB(filepath.Join(*dataDir, "client.db"))
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer cache.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api, user, err := login(ctx, cache, *serverURL, *register, *firstName)
	if err != nil {
		log.Fatal("login failed", zap.Error(err))
	}

	a := &app{
		api:   api,
		rec:   client.NewReconciler(*user, log.Named("reconciler")),
		cache: cache,
		log:   log,
		out:   bufio.NewWriter(os.Stdout),
	}
	a.conn = client.NewConnection(*serverURL, api.Token(), a.rec, api, log.Named("conn"))
	a.conn.SetEventHandler(a.onEvent)

	chats, err := api.ListChats(ctx)
	if err != nil {
		log.Fatal("failed to load chats", zap.Error(err))
	}
	a.rec.SetChats(chats)
	if active, _ := cache.GetPreference(a.activeKey()); active != "" {
		a.open(ctx, active)
	}

	go func() {
		if err := a.conn.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("connection stopped", zap.Error(err))
			cancel()
		}
	}()

	a.printf("signed in as %s (%s)\n%s\n", user.DisplayName(), user.Login, usage)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := a.command(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				a.printf("error: %v\n", err)
			}
		}
	}
}

// login returns an API client for a stored or freshly registered account.
func login(ctx context.Context, cache *db.ClientDB, serverURL, register, firstName string) (*client.APIClient, *models.User, error) {
	if register != "" {
		api := client.NewAPIClient(serverURL, "")
		if firstName == "" {
			firstName = register
		}
		user, err := api.Register(ctx, register, firstName, "")
		if err != nil {
			return nil, nil, err
		}
		if err := cache.SaveAccount(serverURL, user, api.Token()); err != nil {
			return nil, nil, err
		}
		return api, user, nil
	}

	acc, err := cache.GetAccount(serverURL)
	if err != nil {
		return nil, nil, err
	}
	if acc == nil {
		return nil, nil, errors.Errorf("no account stored for %s; use -register", serverURL)
	}
	api := client.NewAPIClient(serverURL, acc.Token)
	user, err := api.Me(ctx)
	if err != nil {
		return nil, nil, err
	}
	cache.UpdateLastConnected(serverURL)
	return api, user, nil
}

var errQuit = errors.New("quit")

func (a *app) activeKey() string {
	return "active_chat:" + a.api.BaseURL()
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
	a.out.Flush()
}

func (a *app) command(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return a.send(ctx, line, "")
	}

	fields := strings.Fields(line)
	rest := func(n int) string {
		if len(fields) <= n {
			return ""
		}
		return strings.Join(fields[n:], " ")
	}
	switch fields[0] {
	case "/quit":
		return errQuit
	case "/chats":
		for i, c := range a.rec.Chats() {
			unread := ""
			if c.Unread > 0 {
				unread = fmt.Sprintf(" (%d)", c.Unread)
			}
			a.printf("%2d. %s%s  %s\n", i+1, c.Title, unread, c.Preview)
		}
	case "/open":
		n, err := strconv.Atoi(rest(1))
		chats := a.rec.Chats()
		if err != nil || n < 1 || n > len(chats) {
			return errors.New("usage: /open <n>")
		}
		return a.open(ctx, chats[n-1].ID)
	case "/more":
		return a.withActive(func(chatID string) error { return a.more(ctx, chatID) })
	case "/dm":
		chat, err := a.api.OpenDirect(ctx, rest(1))
		if err != nil {
			return err
		}
		a.rec.Apply(mustEnvelope(protocol.TypeChatAdded, protocol.ChatAddedEvent{Chat: *chat}))
		return a.open(ctx, chat.ID)
	case "/new":
		if len(fields) < 2 {
			return errors.New("usage: /new <title> <login>…")
		}
		chat, err := a.api.CreateChat(ctx, fields[1], fields[2:])
		if err != nil {
			return err
		}
		a.printf("created %s\n", chat.Title)
	case "/add":
		return a.withActive(func(chatID string) error { return a.api.AddMember(ctx, chatID, rest(1)) })
	case "/leave":
		return a.withActive(func(chatID string) error {
			if err := a.api.LeaveChat(ctx, chatID); err != nil {
				return err
			}
			chats, err := a.api.ListChats(ctx)
			if err != nil {
				return err
			}
			a.rec.SetChats(chats)
			a.rec.Open("", nil)
			return a.cache.SetPreference(a.activeKey(), "")
		})
	case "/reply":
		if len(fields) < 3 {
			return errors.New("usage: /reply <id> <text>")
		}
		id, err := a.resolve(fields[1])
		if err != nil {
			return err
		}
		return a.send(ctx, rest(2), id)
	case "/edit":
		if len(fields) < 3 {
			return errors.New("usage: /edit <id> <text>")
		}
		id, err := a.resolve(fields[1])
		if err != nil {
			return err
		}
		_, err = a.api.EditMessage(ctx, id, rest(2))
		return err
	case "/del":
		id, err := a.resolve(rest(1))
		if err != nil {
			return err
		}
		return a.api.DeleteMessage(ctx, id)
	case "/upload":
		return a.upload(ctx, rest(1))
	default:
		a.printf("%s\n", usage)
	}
	return nil
}

// resolve expands the short ID printed next to a message of the open chat.
func (a *app) resolve(prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("missing message id")
	}
	var found string
	for _, e := range a.rec.Messages() {
		if strings.HasPrefix(e.ID, prefix) {
			if found != "" {
				return "", errors.Errorf("ambiguous id %s", prefix)
			}
			found = e.ID
		}
	}
	if found == "" {
		return "", errors.Errorf("no message %s in the open chat", prefix)
	}
	return found, nil
}

func (a *app) withActive(fn func(chatID string) error) error {
	active := a.rec.ActiveChat()
	if active == "" {
		return errors.New("no chat open")
	}
	return fn(active)
}

// more loads the page of history before the oldest message shown.
func (a *app) more(ctx context.Context, chatID string) error {
	var oldest string
	for _, e := range a.rec.Messages() {
		if !e.Pending {
			oldest = e.ID
			break
		}
	}
	if oldest == "" {
		return errors.New("nothing to page back from")
	}
	older, hasMore, err := a.api.ListMessagesBefore(ctx, chatID, oldest)
	if err != nil {
		return err
	}
	n := a.rec.Backfill(chatID, older)
	for _, e := range a.rec.Messages()[:n] {
		a.printEntry(e)
	}
	if !hasMore {
		a.printf("── start of conversation ──\n")
	}
	return nil
}

// open loads a chat from the cache for an immediate view, then from the
// server.
func (a *app) open(ctx context.Context, chatID string) error {
	if cached, err := a.cache.GetCachedMessages(a.api.BaseURL(), chatID, 100); err == nil && len(cached) > 0 {
		a.rec.Open(chatID, cached)
	}
	msgs, err := a.api.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}
	a.rec.Open(chatID, msgs)
	if err := a.cache.ReplaceCachedMessages(a.api.BaseURL(), chatID, msgs); err != nil {
		a.log.Warn("cache messages", zap.Error(err))
	}
	a.cache.SetPreference(a.activeKey(), chatID)
	a.conn.MarkRead(chatID)

	if c, ok := a.rec.Chat(chatID); ok {
		a.printf("── %s ──\n", c.Title)
	}
	for _, e := range a.rec.Messages() {
		a.printEntry(e)
	}
	return nil
}

func (a *app) send(ctx context.Context, content, replyTo string) error {
	return a.withActive(func(chatID string) error {
		a.conn.Typing(chatID, false)
		tempID := a.rec.AddOptimistic(chatID, content, replyTo, nil)
		msg, err := a.api.SendMessage(ctx, chatID, content, replyTo, nil)
		if err != nil {
			a.rec.FailOptimistic(tempID)
			return err
		}
		a.rec.ConfirmOptimistic(tempID, *msg)
		return nil
	})
}

func (a *app) upload(ctx context.Context, path string) error {
	return a.withActive(func(chatID string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		ref, err := a.api.Upload(ctx, filepath.Base(path), f)
		if err != nil {
			return err
		}
		_, err = a.api.SendMessage(ctx, chatID, "", "", []client.AttachmentRef{*ref})
		return err
	})
}

func (a *app) onEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessageNew, protocol.TypeMessageUpdated:
		var ev protocol.MessageEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		a.cache.CacheMessage(a.api.BaseURL(), &ev.Message)
		if ev.ChatID == a.rec.ActiveChat() {
			a.printEntry(client.Entry{Message: ev.Message})
		} else if c, ok := a.rec.Chat(ev.ChatID); ok && env.Type == protocol.TypeMessageNew {
			a.printf("[%s] %s: %s\n", c.Title, ev.Message.AuthorName, ev.Message.PreviewText())
		}
	case protocol.TypeMessageDeleted:
		var ev protocol.MessageDeletedEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		a.cache.DeleteCachedMessage(a.api.BaseURL(), ev.MessageID)
		if ev.ChatID == a.rec.ActiveChat() {
			a.printf("  (message %s deleted)\n", short(ev.MessageID))
		}
	case protocol.TypeTyping:
		if names := a.rec.Typing(a.rec.ActiveChat()); len(names) > 0 {
			a.printf("  %s typing…\n", strings.Join(names, ", "))
		}
	case protocol.TypeChatAdded:
		var ev protocol.ChatAddedEvent
		if json.Unmarshal(env.Data, &ev) == nil {
			a.printf("added to %s\n", ev.Chat.Title)
		}
	}
}

func (a *app) printEntry(e client.Entry) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] %s", short(e.ID), e.CreatedAt.Local().Format("15:04"), e.AuthorName)
	if e.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	b.WriteString(": ")
	if e.Reply != nil {
		if e.Reply.Unavailable {
			b.WriteString("↪ [unavailable] ")
		} else {
			fmt.Fprintf(&b, "↪ %s: %q ", e.Reply.AuthorName, e.Reply.Content)
		}
	}
	b.WriteString(e.Content)
	for _, att := range e.Attachments {
		fmt.Fprintf(&b, " 📎 %s (%d bytes)", att.Name, att.Size)
	}
	if e.ReadBy > 0 {
		fmt.Fprintf(&b, " ✓%d", e.ReadBy)
	}
	a.printf("%s\n", b.String())
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mustEnvelope(msgType protocol.MessageType, data interface{}) protocol.Envelope {
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		panic(err)
	}
	return *env
}
