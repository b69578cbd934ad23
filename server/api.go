package server

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MrGodgames/Space-Point/internal/auth"
	"github.com/MrGodgames/Space-Point/internal/db"
	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/MrGodgames/Space-Point/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxUploadSize = 25 << 20

// Routes returns the HTTP handler serving the WebSocket endpoint and the
// REST API.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/users", s.handleRegister).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.auth.Middleware)
	authed.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/users", s.handleSearchUsers).Methods(http.MethodGet)
	authed.HandleFunc("/chats", s.handleListChats).Methods(http.MethodGet)
	authed.HandleFunc("/chats", s.handleCreateChat).Methods(http.MethodPost)
	authed.HandleFunc("/chats/direct", s.handleDirectChat).Methods(http.MethodPost)
	authed.HandleFunc("/chats/{id}/members", s.handleAddMember).Methods(http.MethodPost)
	authed.HandleFunc("/chats/{id}/members/me", s.handleLeaveChat).Methods(http.MethodDelete)
	authed.HandleFunc("/chats/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	authed.HandleFunc("/chats/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	authed.HandleFunc("/chats/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	authed.HandleFunc("/messages/{id}", s.handleEditMessage).Methods(http.MethodPatch)
	authed.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	authed.HandleFunc("/attachments", s.handleUpload).Methods(http.MethodPost)
	authed.HandleFunc("/attachments/{uuid}/{name}", s.handleDownload).Methods(http.MethodGet)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		message = "Internal error"
	}
	s.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(ErrBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.OpenRegistration {
		s.writeError(w, errors.Wrap(ErrForbidden, "registration is closed"))
		return
	}
	var req struct {
		Login     string `json:"login"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Login) == "" || strings.TrimSpace(req.FirstName) == "" {
		s.writeError(w, errors.Wrap(ErrBadRequest, "login and firstName are required"))
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Login, req.FirstName, req.LastName)
	if errors.Is(err, db.ErrDuplicate) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "User already exists"})
		return
	}
	if err != nil {
		s.writeError(w, persistErr(err, "create user"))
		return
	}
	token, err := s.auth.IssueToken(user)
	if err != nil {
		s.writeError(w, errors.Wrap(err, "issue token"))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"user": user, "token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"user": auth.UserFromContext(r.Context())})
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	users := []models.User{}
	if strings.TrimSpace(query) != "" {
		found, err := s.store.SearchUsers(r.Context(), query)
		if err != nil {
			s.writeError(w, persistErr(err, "search users"))
			return
		}
		users = append(users, found...)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	chats, err := s.store.ListChats(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, persistErr(err, "list chats"))
		return
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req struct {
		Title   string   `json:"title"`
		Members []string `json:"members"` // logins
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.writeError(w, errors.Wrap(ErrBadRequest, "title is required"))
		return
	}

	memberIDs := make([]string, 0, len(req.Members))
	for _, login := range req.Members {
		u, err := s.store.GetUserByLogin(r.Context(), login)
		if err != nil {
			s.writeError(w, persistErr(err, "lookup member"))
			return
		}
		if u == nil {
			s.writeError(w, errors.Wrapf(ErrNotFound, "user %q", login))
			return
		}
		memberIDs = append(memberIDs, u.ID)
	}

	chat, err := s.store.CreateGroupChat(r.Context(), req.Title, user.ID, memberIDs)
	if err != nil {
		s.writeError(w, persistErr(err, "create chat"))
		return
	}
	s.notifyChatAdded(r.Context(), chat.ID, append([]string{user.ID}, memberIDs...))
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"chat": chat})
}

func (s *Server) handleDirectChat(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req struct {
		Login string `json:"login"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	peer, err := s.store.GetUserByLogin(r.Context(), req.Login)
	if err != nil {
		s.writeError(w, persistErr(err, "lookup user"))
		return
	}
	if peer == nil {
		s.writeError(w, errors.Wrapf(ErrNotFound, "user %q", req.Login))
		return
	}
	if peer.ID == user.ID {
		s.writeError(w, errors.Wrap(ErrBadRequest, "cannot open a chat with yourself"))
		return
	}

	chat, created, err := s.store.GetOrCreateDirectChat(r.Context(), user.ID, peer.ID)
	if err != nil {
		s.writeError(w, persistErr(err, "direct chat"))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.notifyChatAdded(r.Context(), chat.ID, []string{user.ID, peer.ID})
	}
	summary, err := s.store.GetChatSummary(r.Context(), chat.ID, user.ID)
	if err != nil || summary == nil {
		s.writeJSON(w, status, map[string]interface{}{"chat": chat})
		return
	}
	s.writeJSON(w, status, map[string]interface{}{"chat": summary})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	chatID := mux.Vars(r)["id"]
	var req struct {
		Login string `json:"login"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := checkMember(r.Context(), s.store, chatID, user.ID); err != nil {
		s.writeError(w, err)
		return
	}
	chat, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		s.writeError(w, persistErr(err, "load chat"))
		return
	}
	if chat.Kind == models.ChatDirect {
		s.writeError(w, errors.Wrap(ErrBadRequest, "direct chats have exactly two members"))
		return
	}
	target, err := s.store.GetUserByLogin(r.Context(), req.Login)
	if err != nil {
		s.writeError(w, persistErr(err, "lookup user"))
		return
	}
	if target == nil {
		s.writeError(w, errors.Wrapf(ErrNotFound, "user %q", req.Login))
		return
	}
	added, err := s.store.AddMember(r.Context(), chatID, target.ID)
	if err != nil {
		s.writeError(w, persistErr(err, "add member"))
		return
	}
	if added {
		s.notifyChatAdded(r.Context(), chatID, []string{target.ID})
	}
	s.writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) handleLeaveChat(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	chatID := mux.Vars(r)["id"]
	if err := checkMember(r.Context(), s.store, chatID, user.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.RemoveMember(r.Context(), chatID, user.ID); err != nil {
		s.writeError(w, persistErr(err, "remove member"))
		return
	}
	s.hub.UnsubscribeUser(user.ID, chatID)
	w.WriteHeader(http.StatusNoContent)
}

// notifyChatAdded subscribes the users' open sessions to the chat and
// sends each user a chat:added with their own view of it.
func (s *Server) notifyChatAdded(ctx context.Context, chatID string, userIDs []string) {
	for _, uid := range dedupe(userIDs) {
		summary, err := s.store.GetChatSummary(ctx, chatID, uid)
		if err != nil || summary == nil {
			s.log.Warn("chat:added summary", zap.String("chat", chatID), zap.String("user", uid), zap.Error(err))
			continue
		}
		data, err := protocol.Encode(protocol.TypeChatAdded, protocol.ChatAddedEvent{Chat: *summary})
		if err != nil {
			s.log.Warn("encode chat:added", zap.Error(err))
			continue
		}
		for _, session := range s.hub.Sessions().HandlesFor(uid) {
			s.hub.Subscribe(session, chatID)
		}
		s.hub.PublishToUser(uid, data)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	chatID := mux.Vars(r)["id"]
	if err := checkMember(r.Context(), s.store, chatID, user.ID); err != nil {
		s.writeError(w, err)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	// Fetch one extra to determine if there are more messages
	messages, err := s.store.ListMessages(r.Context(), chatID, limit+1, r.URL.Query().Get("before"))
	if err != nil {
		s.writeError(w, persistErr(err, "list messages"))
		return
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[1:]
	}
	if messages == nil {
		messages = []models.Message{}
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	counts, err := s.receipts.ReadByCounts(r.Context(), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for i := range messages {
		messages[i].ReadBy = counts[messages[i].ID]
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages, "hasMore": hasMore})
}

type attachmentRef struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req struct {
		Content     string          `json:"content"`
		ReplyToID   string          `json:"replyToId"`
		Attachments []attachmentRef `json:"attachments"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	in := NewMessage{
		ChatID:    mux.Vars(r)["id"],
		Content:   req.Content,
		ReplyToID: req.ReplyToID,
	}
	for _, a := range req.Attachments {
		if a.Key == "" {
			s.writeError(w, errors.Wrap(ErrBadRequest, "attachment key is required"))
			return
		}
		in.Attachments = append(in.Attachments, models.Attachment{
			Key:      a.Key,
			Name:     a.Name,
			MIMEType: a.MIMEType,
			Size:     a.Size,
		})
	}

	msg, err := s.coord.PublishNewMessage(r.Context(), user, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := s.coord.PublishEdit(r.Context(), user, mux.Vars(r)["id"], req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"message": msg})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if err := s.coord.PublishDelete(r.Context(), user, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	chatID := mux.Vars(r)["id"]
	ids, err := s.receipts.MarkRead(r.Context(), user.ID, chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Messages posted after the batch are still unread.
	unread, err := s.receipts.UnreadCount(r.Context(), user.ID, chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"messageIds": ids, "unread": unread})
}

// handleUpload stores the bytes of a multipart "file" field and returns the
// descriptor to send along with a message. Blobs never referenced by a
// message are left behind as garbage.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, errors.Wrap(ErrBadRequest, "missing file"))
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			mimeType = byExt
		}
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	key, size, err := s.blobs.Put(r.Context(), header.Filename, file)
	if err != nil {
		s.writeError(w, errors.Wrap(err, "store upload"))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"attachment": attachmentRef{
		Key:      key,
		Name:     header.Filename,
		MIMEType: mimeType,
		Size:     size,
	}})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	vars := mux.Vars(r)
	if _, err := uuid.Parse(vars["uuid"]); err != nil {
		s.writeError(w, ErrNotFound)
		return
	}
	key := vars["uuid"] + "/" + vars["name"]

	chatID, err := s.store.AttachmentChat(r.Context(), key)
	if err != nil {
		s.writeError(w, persistErr(err, "lookup attachment"))
		return
	}
	if chatID == "" {
		s.writeError(w, ErrNotFound)
		return
	}
	if err := checkMember(r.Context(), s.store, chatID, user.ID); err != nil {
		s.writeError(w, err)
		return
	}

	rc, err := s.blobs.Open(r.Context(), key)
	if err != nil {
		s.writeError(w, errors.Wrap(ErrNotFound, err.Error()))
		return
	}
	defer rc.Close()
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug("download interrupted", zap.String("key", key), zap.Error(err))
	}
}
