package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/internal/types"
	"github.com/xhad/ragchat/pkg/preview"
	"github.com/xhad/ragchat/pkg/session"
)

const (
	sessionCookie  = "ragchat_session"
	uploadIDHeader = "X-Upload-ID"
)

//go:embed templates/index.html
var templates embed.FS

type Config struct {
	Addr           string
	MaxUploadMB    int64
	AllowedOrigins []string
}

// Server serves the chat page, its JSON API and the websocket that carries
// upload progress and chat replies.
type Server struct {
	config   Config
	sessions *session.Registry
	hub      *hub
	logger   *zap.Logger
	router   *mux.Router
	page     *template.Template
	markdown *markdown
}

func New(config Config, sessions *session.Registry, logger *zap.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.MaxUploadMB == 0 {
		config.MaxUploadMB = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:   config,
		sessions: sessions,
		hub:      newHub(logger),
		logger:   logger,
		router:   mux.NewRouter(),
		page:     template.Must(template.ParseFS(templates, "templates/index.html")),
		markdown: newMarkdown(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/transcript", s.handleTranscript).Methods(http.MethodGet)
	api.HandleFunc("/messages", s.handleMessage).Methods(http.MethodPost)
	api.HandleFunc("/document", s.handleDocument).Methods(http.MethodGet)
}

// Handler returns the router wrapped in CORS handling. Without configured
// origins no CORS headers are sent, leaving the browser's same-origin policy.
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		return s.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: !slices.Contains(origins, "*"),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", uploadIDHeader},
	})
	return c.Handler(s.router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.config.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// currentSession returns the caller's session, creating one when the
// cookie is missing or has expired.
func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := s.sessions.Get(c.Value); ok {
			return sess
		}
	}
	return s.newSession(w)
}

func (s *Server) newSession(w http.ResponseWriter) *session.Session {
	sess := s.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

// handleIndex starts a fresh session on every page load, like a reload
// clearing the conversation.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.Delete(c.Value)
		s.hub.closeSession(c.Value)
	}
	s.newSession(w)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, struct{ MaxUploadMB int64 }{s.config.MaxUploadMB}); err != nil {
		s.logger.Error("failed to render page", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type uploadResponse struct {
	Message  string           `json:"message"`
	Document models.Document  `json:"document"`
	Preview  *preview.Preview `json:"preview,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession(w, r)

	limit := s.config.MaxUploadMB << 20
	if r.ContentLength > limit {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", s.config.MaxUploadMB))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", s.config.MaxUploadMB))
			return
		}
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	uploadID := r.Header.Get(uploadIDHeader)
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	progress := types.ProgressFunc(func(percent int, stage string) {
		s.hub.send(sess.ID(), Event{Type: EventProgress, Content: stage, Percent: percent})
	})

	doc, err := sess.OnUpload(r.Context(), session.Upload{
		ID:      uploadID,
		Name:    header.Filename,
		Content: content,
	}, progress)
	if err != nil {
		msg := fmt.Sprintf("Error processing document: %v", err)
		s.hub.send(sess.ID(), Event{Type: EventError, Content: msg})
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}

	resp := uploadResponse{
		Message:  fmt.Sprintf("Document '%s' loaded and processed successfully!", doc.Name),
		Document: doc,
	}
	if p, err := preview.Render(doc.Path); err != nil {
		s.logger.Warn("failed to render preview", zap.String("document", doc.Name), zap.Error(err))
	} else {
		resp.Preview = &p
	}

	s.hub.send(sess.ID(), Event{Type: EventStatus, Content: resp.Message})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSession(w, r).State())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	transcript := s.currentSession(w, r).Transcript()

	views := make([]messageView, len(transcript))
	for i, msg := range transcript {
		views[i] = s.view(msg)
	}
	writeJSON(w, http.StatusOK, views)
}

type messageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	Message messageView `json:"message"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession(w, r)

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := sess.OnMessage(r.Context(), req.Content)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrAgent):
		writeJSON(w, http.StatusBadGateway, messageResponse{Message: s.view(reply), Error: err.Error()})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, messageResponse{Message: s.view(reply)})
	}
}

// handleDocument streams the loaded PDF for inline viewing.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, ready := s.currentSession(w, r).Document()
	if !ready {
		writeError(w, http.StatusNotFound, "no document loaded")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.Name))
	http.ServeFile(w, r, doc.Path)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
