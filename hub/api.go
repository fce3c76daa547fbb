package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/habittribe/tribe/model"
)

const minPasswordLength = 6

// identityError mirrors one entry of an ASP.NET Identity error list.
type identityError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)

	r.HandleFunc("/hubs/notifications/negotiate", s.push.Negotiate).Methods(http.MethodPost)
	r.HandleFunc("/hubs/notifications", s.push.ServeWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/accounts", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodGet)
	authed.HandleFunc("/groups", s.handleGroups).Methods(http.MethodGet)
	authed.HandleFunc("/group", s.handleCreateGroup).Methods(http.MethodPost)
	authed.HandleFunc("/group/{id:[0-9]+}", s.handleGroup).Methods(http.MethodGet)
	authed.HandleFunc("/group/{id:[0-9]+}/members", s.handleJoin).Methods(http.MethodPost)
	authed.HandleFunc("/group/{id:[0-9]+}/posts", s.handlePosts).Methods(http.MethodGet)
	authed.HandleFunc("/groups/{id:[0-9]+}/posts", s.handleCreatePost).Methods(http.MethodPost)
	authed.HandleFunc("/posts/{id:[0-9]+}", s.handleUpdatePost).Methods(http.MethodPut)
	authed.HandleFunc("/posts/{id:[0-9]+}", s.handleDeletePost).Methods(http.MethodDelete)
	authed.HandleFunc("/posts/{id:[0-9]+}/comments", s.handleCreateComment).Methods(http.MethodPost)
	authed.HandleFunc("/tags", s.handleTags).Methods(http.MethodGet)
	authed.Handle("/tags", requireAdmin(s.handleCreateTag)).Methods(http.MethodPost)
	authed.Handle("/tags/{id:[0-9]+}", requireAdmin(s.handleUpdateTag)).Methods(http.MethodPut)
	authed.Handle("/tags/{id:[0-9]+}", requireAdmin(s.handleDeleteTag)).Methods(http.MethodDelete)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/hubs/") {
			// the recorder would hide http.Hijacker
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearer(r)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Authentication required.")
			return
		}
		a, err := s.issuer.Verify(token)
		if err != nil {
			s.logger.Debug("token rejected", "err", err)
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired token.")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), a)))
	})
}

func requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := accountFrom(r.Context()); !ok || !a.IsAdmin {
			writeMessage(w, http.StatusForbidden, "Administrator role required.")
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, ErrForbidden):
		writeMessage(w, http.StatusForbidden, "You are not allowed to do that.")
	case errors.Is(err, ErrGroupFull):
		writeMessage(w, http.StatusConflict, "The group is full.")
	case errors.Is(err, ErrConflict):
		writeMessage(w, http.StatusConflict, "It already exists.")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error.")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Malformed request body.")
		return false
	}
	return true
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("HabitTribe development hub\n\nREST API under /api/, notifications at /hubs/notifications\n"))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	var problems []identityError
	if !strings.Contains(req.Email, "@") {
		problems = append(problems, identityError{"InvalidEmail", "Email '" + req.Email + "' is invalid."})
	}
	if strings.TrimSpace(req.Username) == "" {
		problems = append(problems, identityError{"InvalidUserName", "User name is required."})
	}
	if len(req.Password) < minPasswordLength {
		problems = append(problems, identityError{"PasswordTooShort",
			"Passwords must be at least " + strconv.Itoa(minPasswordLength) + " characters."})
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusBadRequest, problems)
		return
	}

	a, err := s.store.RegisterUser(r.Context(), req.Email, req.Username, req.Password, s.cfg.IsAdminEmail(req.Email))
	if errors.Is(err, ErrUserExists) {
		writeJSON(w, http.StatusConflict, []identityError{{"DuplicateUser", "Email or user name is already taken."}})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("account registered", "user", a.Username, "admin", a.IsAdmin)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.store.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeMessage(w, http.StatusUnauthorized, "Invalid email or password.")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.issuer.Issue(*a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.LoginResponse{Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	a, _ := accountFrom(r.Context())
	s.logger.Info("logout", "user", a.Username)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.Groups(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.Group(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var ng model.NewGroup
	if !decode(w, r, &ng) {
		return
	}
	if strings.TrimSpace(ng.Title) == "" || ng.MaxMembers < 1 {
		writeMessage(w, http.StatusBadRequest, "A group needs a title and room for at least one member.")
		return
	}
	a, _ := accountFrom(r.Context())
	g, err := s.store.CreateGroup(r.Context(), a.ID, ng)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	a, _ := accountFrom(r.Context())
	if err := s.store.AddMember(r.Context(), pathID(r), a.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.store.Posts(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeMessage(w, http.StatusBadRequest, "A post needs a title.")
		return
	}
	a, _ := accountFrom(r.Context())
	groupID := pathID(r)
	member, err := s.store.IsMember(r.Context(), groupID, a.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !member && !a.IsAdmin {
		s.writeError(w, r, ErrForbidden)
		return
	}

	p, groupTitle, err := s.store.CreatePost(r.Context(), groupID, *a, body.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r, groupID, model.EventNewPost, model.PostNotification{
		PostID:     p.ID,
		GroupID:    groupID,
		GroupTitle: groupTitle,
		PostTitle:  p.Title,
		AuthorName: a.Username,
		CreatedAt:  p.DateCreated,
	})
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decode(w, r, &body) {
		return
	}
	a, _ := accountFrom(r.Context())
	p, groupID, err := s.store.UpdatePost(r.Context(), pathID(r), *a, body.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r, groupID, model.EventPostUpdated, model.PostUpdatedNotification{GroupID: groupID, Post: *p})
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	a, _ := accountFrom(r.Context())
	postID := pathID(r)
	groupID, err := s.store.DeletePost(r.Context(), postID, *a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r, groupID, model.EventPostDeleted, model.PostDeletedNotification{GroupID: groupID, PostID: postID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeMessage(w, http.StatusBadRequest, "A comment cannot be empty.")
		return
	}
	a, _ := accountFrom(r.Context())
	postID := pathID(r)
	c, groupID, err := s.store.CreateComment(r.Context(), postID, *a, body.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(r, groupID, model.EventNewComment, model.CommentNotification{GroupID: groupID, PostID: postID, Comment: *c})
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.Tags(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var t model.Tag
	if !decode(w, r, &t) {
		return
	}
	if strings.TrimSpace(t.Name) == "" {
		writeMessage(w, http.StatusBadRequest, "A tag needs a name.")
		return
	}
	out, err := s.store.CreateTag(r.Context(), t.Name, t.Usable)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	var t model.Tag
	if !decode(w, r, &t) {
		return
	}
	t.ID = pathID(r)
	out, err := s.store.UpdateTag(r.Context(), t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTag(r.Context(), pathID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publish pushes a notification to a group. A failed push does not fail
// the request that caused it.
func (s *Server) publish(r *http.Request, groupID int64, target string, payload any) {
	if err := s.push.Publish(r.Context(), groupID, target, payload); err != nil {
		s.logger.Warn("publish failed", "group", groupID, "target", target, "err", err)
	}
}
