package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const tempIDPrefix = "tmp-"

// Entry is a message as the client renders it.
type Entry struct {
	models.Message

	// Pending is set on optimistic entries the server has not confirmed.
	Pending bool
	// Seen is set once the current user has read the message.
	Seen bool
}

// ChatState is the client's view of one conversation.
type ChatState struct {
	Summary models.ChatSummary
	Typing  map[string]string // userID -> display name
}

// HeightFunc estimates how tall a message renders, in pixels.
type HeightFunc func(models.Message) float64

// Effects are the follow-up actions an applied event asks of the caller.
type Effects struct {
	// MarkRead names a chat whose new messages should be acknowledged.
	MarkRead string
	// Changed reports whether anything visible changed.
	Changed bool
}

// Reconciler folds server events and local optimistic writes into one
// consistent client state. Messages are kept for the active chat only,
// keyed by identity; events for other chats update the conversation list.
type Reconciler struct {
	mu  sync.Mutex
	log *zap.Logger

	me     models.User
	online map[string]bool

	chats  map[string]*ChatState
	active string

	order   []string          // message IDs of the active chat, oldest first
	entries map[string]*Entry // by ID, including temp IDs

	// scroll mirrors order when a viewport is attached.
	scroll *ScrollState
	height HeightFunc

	// tombstones are IDs of deleted messages; they never come back.
	tombstones map[string]struct{}
	// live holds active-chat messages seen since BeginSync, nil otherwise.
	live map[string]models.Message
}

// NewReconciler creates an empty state for the given user.
func NewReconciler(me models.User, log *zap.Logger) *Reconciler {
	return &Reconciler{
		log:        log,
		me:         me,
		online:     make(map[string]bool),
		chats:      make(map[string]*ChatState),
		entries:    make(map[string]*Entry),
		tombstones: make(map[string]struct{}),
	}
}

// Me returns the current user.
func (r *Reconciler) Me() models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.me
}

// ActiveChat returns the ID of the chat whose messages are loaded.
func (r *Reconciler) ActiveChat() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetChats replaces the conversation list.
func (r *Reconciler) SetChats(chats []models.ChatSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setChatsLocked(chats)
}

func (r *Reconciler) setChatsLocked(chats []models.ChatSummary) {
	next := make(map[string]*ChatState, len(chats))
	for _, c := range chats {
		state := &ChatState{Summary: c, Typing: make(map[string]string)}
		if prev, ok := r.chats[c.ID]; ok {
			state.Typing = prev.Typing
		}
		next[c.ID] = state
	}
	r.chats = next
}

// Chats returns the conversation list, most recently active first.
func (r *Reconciler) Chats() []models.ChatSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.ChatSummary, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, c.Summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return activity(out[i]).After(activity(out[j]))
	})
	return out
}

func activity(c models.ChatSummary) time.Time {
	if c.LastActivity != nil {
		return *c.LastActivity
	}
	return c.CreatedAt
}

// Chat returns one conversation, or false if unknown.
func (r *Reconciler) Chat(chatID string) (models.ChatSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return models.ChatSummary{}, false
	}
	return c.Summary, true
}

// Typing returns the names of the users typing in a chat, sorted.
func (r *Reconciler) Typing(chatID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(c.Typing))
	for _, n := range c.Typing {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsOnline reports the last known presence of a user.
func (r *Reconciler) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

// Messages returns a snapshot of the active chat's messages.
func (r *Reconciler) Messages() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	return out
}

// Open makes chatID the active chat with msgs as its authoritative
// message list.
func (r *Reconciler) Open(chatID string, msgs []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = chatID
	r.order = nil
	r.entries = make(map[string]*Entry)
	r.loadLocked(msgs)
	if r.scroll != nil {
		r.scroll.Load(r.scrollItemsLocked())
	}
}

// SetViewport attaches a viewport of the given height to the active chat.
// From then on every change to the message list keeps the viewport
// anchored: new messages are followed only while at the bottom, and
// history loaded above or messages removed keep the first visible message
// where it is.
func (r *Reconciler) SetViewport(viewport float64, height HeightFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scroll = NewScrollState(viewport)
	r.height = height
	r.scroll.Load(r.scrollItemsLocked())
}

// Viewport runs fn with the attached viewport, for scrolling and for
// reporting measured heights. It does nothing without a viewport.
func (r *Reconciler) Viewport(fn func(*ScrollState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scroll != nil {
		fn(r.scroll)
	}
}

func (r *Reconciler) scrollItemsLocked() []ScrollItem {
	items := make([]ScrollItem, 0, len(r.order))
	for _, id := range r.order {
		items = append(items, ScrollItem{ID: id, Height: r.height(r.entries[id].Message)})
	}
	return items
}

// pushLocked appends a message at the end of the list.
func (r *Reconciler) pushLocked(m models.Message, pending bool) {
	r.appendLocked(m, pending)
	if r.scroll != nil {
		r.scroll.Append(ScrollItem{ID: m.ID, Height: r.height(r.entries[m.ID].Message)})
	}
}

func (r *Reconciler) resizeLocked(id string) {
	if e, ok := r.entries[id]; ok && r.scroll != nil {
		r.scroll.Resize(id, r.height(e.Message))
	}
}

// Backfill puts older history of the active chat above what is loaded and
// returns how many messages were added. Messages already present or
// deleted are skipped.
func (r *Reconciler) Backfill(chatID string, older []models.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chatID != r.active {
		return 0
	}

	var ids []string
	var items []ScrollItem
	for _, m := range older {
		if _, dead := r.tombstones[m.ID]; dead {
			continue
		}
		if _, dup := r.entries[m.ID]; dup {
			continue
		}
		r.markUnavailableLocked(&m)
		r.entries[m.ID] = &Entry{Message: m, Seen: true}
		ids = append(ids, m.ID)
		if r.scroll != nil {
			items = append(items, ScrollItem{ID: m.ID, Height: r.height(m)})
		}
	}
	r.order = append(ids, r.order...)
	if len(items) > 0 {
		r.scroll.Prepend(items...)
	}
	return len(ids)
}

func (r *Reconciler) loadLocked(msgs []models.Message) {
	for _, m := range msgs {
		if _, dead := r.tombstones[m.ID]; dead {
			continue
		}
		r.appendLocked(m, false)
	}
}

func (r *Reconciler) appendLocked(m models.Message, pending bool) {
	r.markUnavailableLocked(&m)
	r.entries[m.ID] = &Entry{Message: m, Pending: pending, Seen: m.AuthorID == r.me.ID}
	r.order = append(r.order, m.ID)
}

func (r *Reconciler) markUnavailableLocked(m *models.Message) {
	if m.Reply == nil {
		return
	}
	if _, dead := r.tombstones[m.Reply.MessageID]; dead {
		m.Reply = &models.ReplyPreview{MessageID: m.Reply.MessageID, Unavailable: true}
	}
}

// BeginSync marks the point from which live events are certain to be
// delivered, normally the server's chats:joined acknowledgment. Events
// applied after it survive the following Reset.
func (r *Reconciler) BeginSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = make(map[string]models.Message)
}

// Reset converges on an authoritative snapshot fetched after BeginSync.
// Messages and edits seen live since BeginSync win over the snapshot, as
// do unconfirmed optimistic entries; everything else the snapshot lacks
// was deleted while offline. Typing state is dropped since its signals
// may have been missed.
func (r *Reconciler) Reset(chats []models.ChatSummary, activeMsgs []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setChatsLocked(chats)
	for _, c := range r.chats {
		c.Typing = make(map[string]string)
	}

	snapshot := make(map[string]struct{}, len(activeMsgs))
	for i := range activeMsgs {
		m := &activeMsgs[i]
		snapshot[m.ID] = struct{}{}
		if l, ok := r.live[m.ID]; ok && newerEdit(l.EditedAt, m.EditedAt) {
			m.Content, m.EditedAt = l.Content, l.EditedAt
		}
	}
	var carry []*Entry
	for _, id := range r.order {
		if _, ok := snapshot[id]; ok {
			continue
		}
		e := r.entries[id]
		if _, ok := r.live[id]; ok || e.Pending {
			carry = append(carry, e)
		}
	}

	r.order = nil
	r.entries = make(map[string]*Entry)
	r.loadLocked(activeMsgs)
	for _, e := range carry {
		r.entries[e.ID] = e
		r.order = append(r.order, e.ID)
	}
	r.live = nil
	if r.scroll != nil {
		r.scroll.Reload(r.scrollItemsLocked())
	}
}

func newerEdit(live, snap *time.Time) bool {
	return live != nil && (snap == nil || live.After(*snap))
}

// AddOptimistic inserts a message the user is sending before the server
// has accepted it and returns its temporary ID.
func (r *Reconciler) AddOptimistic(chatID, content, replyToID string, attachments []models.Attachment) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := tempIDPrefix + uuid.New().String()
	msg := models.Message{
		ID:          id,
		ChatID:      chatID,
		AuthorID:    r.me.ID,
		AuthorName:  r.me.DisplayName(),
		Content:     content,
		ReplyToID:   replyToID,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if replyToID != "" {
		msg.Reply = &models.ReplyPreview{MessageID: replyToID}
		if target, ok := r.entries[replyToID]; ok {
			msg.Reply.AuthorName = target.AuthorName
			msg.Reply.Content = target.Content
		}
	}
	if chatID == r.active {
		r.pushLocked(msg, true)
	}
	return id
}

// ConfirmOptimistic replaces an optimistic entry with the server's copy.
// If the server's event already arrived the optimistic entry is dropped.
func (r *Reconciler) ConfirmOptimistic(tempID string, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmLocked(tempID, msg)
}

func (r *Reconciler) confirmLocked(tempID string, msg models.Message) {
	if _, ok := r.entries[tempID]; !ok {
		return
	}
	if _, dup := r.entries[msg.ID]; dup {
		r.removeLocked(tempID)
		return
	}
	if _, dead := r.tombstones[msg.ID]; dead {
		r.removeLocked(tempID)
		return
	}
	r.markUnavailableLocked(&msg)
	delete(r.entries, tempID)
	r.entries[msg.ID] = &Entry{Message: msg, Seen: true}
	for i, id := range r.order {
		if id == tempID {
			r.order[i] = msg.ID
			break
		}
	}
	if r.scroll != nil {
		r.scroll.Replace(tempID, msg.ID)
		r.resizeLocked(msg.ID)
	}
}

// FailOptimistic removes an optimistic entry the server refused.
func (r *Reconciler) FailOptimistic(tempID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(tempID)
}

func (r *Reconciler) removeLocked(id string) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.scroll != nil {
		r.scroll.Remove(id)
	}
	return true
}

// pendingMatchLocked finds the oldest unconfirmed optimistic entry that
// msg is the server copy of.
func (r *Reconciler) pendingMatchLocked(msg *models.Message) string {
	if msg.AuthorID != r.me.ID {
		return ""
	}
	for _, id := range r.order {
		e := r.entries[id]
		if e.Pending && e.ChatID == msg.ChatID && e.Content == msg.Content &&
			len(e.Attachments) == len(msg.Attachments) && e.ReplyToID == msg.ReplyToID {
			return id
		}
	}
	return ""
}

// Apply folds one server event into the state.
func (r *Reconciler) Apply(env protocol.Envelope) (Effects, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch env.Type {
	case protocol.TypeHello:
		var msg protocol.HelloMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode hello")
		}
		r.me = msg.User
		r.online = make(map[string]bool, len(msg.Online))
		for _, id := range msg.Online {
			r.online[id] = true
		}
		return Effects{Changed: true}, nil

	case protocol.TypePresence:
		var msg protocol.PresenceMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode presence")
		}
		if msg.Status == protocol.StatusOnline {
			r.online[msg.UserID] = true
		} else {
			delete(r.online, msg.UserID)
		}
		return Effects{Changed: true}, nil

	case protocol.TypeMessageNew:
		var msg protocol.MessageEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode message:new")
		}
		return r.messageNewLocked(msg.ChatID, msg.Message), nil

	case protocol.TypeMessageUpdated:
		var msg protocol.MessageEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode message:updated")
		}
		if r.live != nil && msg.ChatID == r.active {
			r.live[msg.Message.ID] = msg.Message
		}
		e, ok := r.entries[msg.Message.ID]
		if !ok {
			return Effects{}, nil
		}
		e.Content = msg.Message.Content
		e.EditedAt = msg.Message.EditedAt
		r.resizeLocked(e.ID)
		for _, id := range r.order {
			if o := r.entries[id]; o.Reply != nil && o.Reply.MessageID == e.ID && !o.Reply.Unavailable {
				o.Reply.Content = e.Content
				r.resizeLocked(id)
			}
		}
		if n := len(r.order); n > 0 && r.order[n-1] == e.ID {
			if c, ok := r.chats[msg.ChatID]; ok {
				c.Summary.Preview = e.PreviewText()
			}
		}
		return Effects{Changed: true}, nil

	case protocol.TypeMessageDeleted:
		var msg protocol.MessageDeletedEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode message:deleted")
		}
		r.tombstones[msg.MessageID] = struct{}{}
		r.removeLocked(msg.MessageID)
		for _, id := range r.order {
			m := &r.entries[id].Message
			if m.Reply != nil && m.Reply.MessageID == msg.MessageID {
				r.markUnavailableLocked(m)
				r.resizeLocked(id)
			}
		}
		return Effects{Changed: true}, nil

	case protocol.TypeMessageRead:
		var msg protocol.MessageReadEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode message:read")
		}
		r.messageReadLocked(msg)
		return Effects{Changed: true}, nil

	case protocol.TypeTyping:
		var msg protocol.TypingEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode typing")
		}
		c, ok := r.chats[msg.ChatID]
		if !ok || msg.UserID == r.me.ID {
			return Effects{}, nil
		}
		if msg.IsTyping {
			c.Typing[msg.UserID] = msg.Name
		} else {
			delete(c.Typing, msg.UserID)
		}
		return Effects{Changed: true}, nil

	case protocol.TypeChatAdded:
		var msg protocol.ChatAddedEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode chat:added")
		}
		if _, ok := r.chats[msg.Chat.ID]; ok {
			return Effects{}, nil
		}
		r.chats[msg.Chat.ID] = &ChatState{Summary: msg.Chat, Typing: make(map[string]string)}
		return Effects{Changed: true}, nil

	case protocol.TypeChatUpdated:
		var msg protocol.ChatUpdatedEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode chat:updated")
		}
		c, ok := r.chats[msg.ChatID]
		if !ok {
			return Effects{}, nil
		}
		t := msg.Time
		c.Summary.Preview = msg.Preview
		c.Summary.LastActivity = &t
		return Effects{Changed: true}, nil

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Effects{}, errors.Wrap(err, "decode error")
		}
		r.log.Warn("server error", zap.String("code", msg.Code), zap.String("message", msg.Message))
		return Effects{}, nil

	default:
		r.log.Debug("ignoring event", zap.String("type", string(env.Type)))
		return Effects{}, nil
	}
}

func (r *Reconciler) messageNewLocked(chatID string, m models.Message) Effects {
	if _, dead := r.tombstones[m.ID]; dead {
		return Effects{}
	}
	fromMe := m.AuthorID == r.me.ID
	fx := Effects{Changed: true}

	if c, ok := r.chats[chatID]; ok {
		t := m.CreatedAt
		c.Summary.Preview = m.PreviewText()
		c.Summary.LastActivity = &t
		delete(c.Typing, m.AuthorID)
		if !fromMe && chatID != r.active {
			c.Summary.Unread++
		}
	}
	if chatID != r.active {
		return fx
	}
	if r.live != nil {
		if _, seen := r.live[m.ID]; !seen {
			r.live[m.ID] = m
		}
	}

	if _, dup := r.entries[m.ID]; dup {
		return fx
	}
	if tempID := r.pendingMatchLocked(&m); tempID != "" {
		r.confirmLocked(tempID, m)
		return fx
	}
	r.pushLocked(m, false)
	if !fromMe {
		fx.MarkRead = chatID
	}
	return fx
}

func (r *Reconciler) messageReadLocked(ev protocol.MessageReadEvent) {
	if ev.UserID == r.me.ID {
		if c, ok := r.chats[ev.ChatID]; ok {
			c.Summary.Unread -= len(ev.MessageIDs)
			if c.Summary.Unread < 0 {
				c.Summary.Unread = 0
			}
		}
	}
	if ev.ChatID != r.active {
		return
	}
	for _, id := range ev.MessageIDs {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		switch {
		case ev.UserID == r.me.ID:
			e.Seen = true
		case e.AuthorID == r.me.ID:
			e.ReadBy++
		}
	}
}
