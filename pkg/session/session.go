package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/internal/tracing"
	"github.com/xhad/ragchat/internal/types"
)

// PleaseUploadMessage is the assistant reply while no document is loaded.
const PleaseUploadMessage = "Please upload a PDF document in the sidebar first."

const tracerName = "github.com/xhad/ragchat/pkg/session"

var (
	ErrAgent        = errors.New("agent failed to answer")
	ErrEmptyUpload  = errors.New("uploaded file is empty")
	ErrNotPDF       = errors.New("uploaded file is not a PDF")
	ErrEmptyMessage = errors.New("message is empty")
)

var pdfMagic = []byte("%PDF-")

// DocumentStore persists uploaded files.
type DocumentStore interface {
	Save(name string, r io.Reader) (models.Document, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Docs    DocumentStore
	Builder types.KnowledgeBuilder
	Agents  types.AgentFactory

	// Table names the vector table for a session. Nil means "recipes".
	Table func(sessionID string) string
	// Release is called with the session's table when the session ends.
	Release func(ctx context.Context, table string) error

	UserID string
	Logger *zap.Logger
	Now    func() time.Time
}

// Upload is one file-upload event. Redelivering an event with the same ID
// after it succeeded does nothing.
type Upload struct {
	ID      string
	Name    string
	Content []byte
}

type State struct {
	Document string `json:"document"`
	Ready    bool   `json:"ready"`
	Messages int    `json:"messages"`
}

// Session holds one user's transcript and the agent bound to the most
// recently ingested document. Handlers run one at a time.
type Session struct {
	id   string
	deps Deps

	mu         sync.Mutex
	transcript []models.Message
	document   models.Document
	ready      bool
	agent      types.ConversationalAgent
	table      string
	lastUpload string
}

func New(id string, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Table == nil {
		deps.Table = func(string) string { return "recipes" }
	}
	return &Session{id: id, deps: deps}
}

func (s *Session) ID() string {
	return s.id
}

// OnUpload persists the file, builds a knowledge base from it and binds a
// new agent. Any failure leaves the session not ready with no agent.
func (s *Session) OnUpload(ctx context.Context, up Upload, progress types.ProgressReporter) (doc models.Document, err error) {
	if progress == nil {
		progress = types.NopProgress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if up.ID != "" && up.ID == s.lastUpload && s.ready {
		return s.document, nil
	}

	ctx, span := tracing.Tracer(tracerName).Start(ctx, "session.OnUpload")
	span.SetAttributes(
		attribute.String("session", s.id),
		attribute.String("document", up.Name),
		attribute.Int("bytes", len(up.Content)),
	)
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	log := s.deps.Logger.With(zap.String("session", s.id), zap.String("document", up.Name))
	start := s.deps.Now()

	s.lastUpload = up.ID
	s.ready = false
	s.agent = nil
	s.document = models.Document{Name: filepath.Base(up.Name)}

	doc, err = s.ingest(ctx, up, progress)
	if err != nil {
		log.Error("document ingestion failed", zap.Error(err))
		return doc, err
	}

	s.ready = true
	progress.Report(100, "Ready")
	log.Info("document ingested",
		zap.String("table", s.table),
		zap.Duration("took", s.deps.Now().Sub(start)),
	)
	return doc, nil
}

func (s *Session) ingest(ctx context.Context, up Upload, progress types.ProgressReporter) (models.Document, error) {
	if len(up.Content) == 0 {
		return s.document, ErrEmptyUpload
	}
	if !bytes.HasPrefix(up.Content, pdfMagic) && !strings.EqualFold(filepath.Ext(up.Name), ".pdf") {
		return s.document, fmt.Errorf("%w: %s", ErrNotPDF, up.Name)
	}

	progress.Report(0, "Saving document...")
	doc, err := s.deps.Docs.Save(up.Name, bytes.NewReader(up.Content))
	if err != nil {
		return s.document, fmt.Errorf("save %s: %w", up.Name, err)
	}
	s.document = doc
	progress.Report(10, "Processing document...")

	table := s.deps.Table(s.id)
	kb, err := s.deps.Builder.Build(ctx, doc.Path, table, progress)
	if err != nil {
		return doc, err
	}

	progress.Report(95, "Creating agent...")
	agent, err := s.deps.Agents.New(kb, s.deps.UserID)
	if err != nil {
		return doc, fmt.Errorf("create agent: %w", err)
	}

	s.agent = agent
	s.table = kb.Table()
	return doc, nil
}

// OnMessage appends the question and the assistant's reply to the
// transcript and returns the reply. Agent failures are recorded as an
// assistant notice and returned wrapped in ErrAgent.
func (s *Session) OnMessage(ctx context.Context, text string) (reply models.Message, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := tracing.Tracer(tracerName).Start(ctx, "session.OnMessage")
	span.SetAttributes(
		attribute.String("session", s.id),
		attribute.Bool("ready", s.agent != nil),
	)
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	s.append(models.RoleUser, text)

	if s.agent == nil {
		return s.append(models.RoleAssistant, PleaseUploadMessage), nil
	}

	answer, err := s.agent.Answer(ctx, text)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAgent, err)
		s.deps.Logger.Error("agent failed",
			zap.String("session", s.id),
			zap.String("document", s.document.Name),
			zap.Error(err),
		)
		return s.append(models.RoleAssistant, fmt.Sprintf("Sorry, I could not answer that: %v", err)), err
	}

	return s.append(models.RoleAssistant, answer), nil
}

func (s *Session) append(role models.Role, content string) models.Message {
	msg := models.Message{Role: role, Content: content, CreatedAt: s.deps.Now()}
	s.transcript = append(s.transcript, msg)
	return msg
}

// Transcript returns a copy of the messages in the order they were added.
func (s *Session) Transcript() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Document: s.document.Name,
		Ready:    s.ready,
		Messages: len(s.transcript),
	}
}

// Document returns the loaded document, if the session is ready.
func (s *Session) Document() (models.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.document, s.ready
}

// Close ends the session and releases its table.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.table
	s.agent = nil
	s.ready = false
	s.table = ""
	if table == "" || s.deps.Release == nil {
		return nil
	}
	if err := s.deps.Release(ctx, table); err != nil {
		return fmt.Errorf("release %s: %w", table, err)
	}
	return nil
}
