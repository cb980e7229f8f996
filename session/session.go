// Package session is the client side of one chat conversation. It owns the
// message log, the backend connection and the enrichment tasks, and it is
// the only code that mutates the log.
//
// Every mutation (inbound frame, user action, reconnect event, enrichment
// merge) runs under one lock, so the log never sees two changes interleave.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-session/adapters"
	"chat-session/connection"
	"chat-session/enrich"
	"chat-session/format"
	"chat-session/messagelog"
	"chat-session/models"
	"chat-session/proposal"
	"chat-session/router"
)

const (
	DefaultSaveInstruction = "Save this email template to Brevo."
	SaveLabel              = "Saving template..."
)

var (
	ErrWrongKind       = errors.New("operation not valid for this message kind")
	ErrAlreadyAnswered = errors.New("confirmation already answered")
	ErrUnknownOption   = errors.New("option not offered")
)

type Options struct {
	// SessionID is sent as the session_id query parameter. A random one is
	// generated when empty.
	SessionID       string
	Connection      connection.Config
	Dialer          connection.Dialer
	Resolver        enrich.Resolver
	Enrichment      enrich.Config
	Formatter       *format.Formatter
	Notifier        Notifier
	SaveInstruction string
	Logger          *zap.Logger
}

type Session struct {
	id              string
	saveInstruction string

	mu      sync.Mutex
	sending bool

	log       *messagelog.Log
	conn      *connection.Manager
	router    *router.Router
	worker    *enrich.Worker
	formatter *format.Formatter
	notifier  Notifier
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

func New(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	logger = logger.With(zap.String("session_id", opts.SessionID))

	if opts.Resolver == nil {
		return nil, errors.New("session: a link resolver is required")
	}
	if opts.Formatter == nil {
		opts.Formatter = format.New(true)
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(logger)
	}
	if opts.SaveInstruction == "" {
		opts.SaveInstruction = DefaultSaveInstruction
	}

	connCfg := opts.Connection
	u, err := connection.WithSessionID(connCfg.URL, opts.SessionID)
	if err != nil {
		return nil, err
	}
	connCfg.URL = u

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:              opts.SessionID,
		saveInstruction: opts.SaveInstruction,
		log:             messagelog.New(),
		worker:          enrich.New(opts.Resolver, opts.Enrichment, logger),
		formatter:       opts.Formatter,
		notifier:        opts.Notifier,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
	}
	s.router = router.New(frameSink{s}, logger)
	s.conn = connection.NewManager(connCfg, opts.Dialer, connHandler{s}, logger)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Log exposes the message log for rendering and subscriptions.
func (s *Session) Log() *messagelog.Log { return s.log }

func (s *Session) Messages() []models.Message { return s.log.Snapshot() }

func (s *Session) State() connection.State { return s.conn.State() }

// Sending reports whether a request is awaiting its reply.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

func (s *Session) Open(ctx context.Context) error {
	return s.conn.Open(ctx)
}

// Close ends the session on purpose: the connection is closed without a
// reconnect and outstanding enrichment is cancelled and waited for.
func (s *Session) Close() error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	err := s.conn.Close()
	s.tasks.Wait()
	return err
}

// WaitIdle blocks until every enrichment task started so far has merged.
func (s *Session) WaitIdle() {
	s.tasks.Wait()
}

// Send transmits text from the input box. uiLabel, when set, is what the
// log shows instead of the text itself.
func (s *Session) Send(text, uiLabel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(text, uiLabel)
}

// sendLocked writes the frame first so a failed send leaves no echo in the
// log. The echo and the thinking indicator follow a successful write.
func (s *Session) sendLocked(text, uiLabel string) error {
	frame, echo, ok := adapters.NormalizeWebMessage(s.formatter, text, uiLabel)
	if !ok {
		return nil
	}

	if err := s.conn.Send(frame); err != nil {
		s.sending = false
		s.retractThinkingLocked()
		if errors.Is(err, connection.ErrNotConnected) {
			s.notifier.Notify("Not Connected", "Wait for connection", LevelWarning)
		} else {
			s.notifier.Notify("Send Failed", err.Error(), LevelError)
		}
		s.logger.Warn("send failed", zap.Error(err))
		return err
	}

	s.log.Append(echo)
	s.sending = true
	s.addThinkingLocked()
	return nil
}

func (s *Session) addThinkingLocked() {
	s.log.RemoveKind(models.KindThinking)
	s.log.Append(models.Message{Kind: models.KindThinking, Content: models.PlainText("")})
}

func (s *Session) retractThinkingLocked() {
	s.log.RemoveKind(models.KindThinking)
}

func (s *Session) appendText(kind models.Kind, text string) models.Message {
	return s.log.Append(models.Message{Kind: kind, Content: models.PlainText(text)})
}

// handleFrame applies one inbound frame. Bad frames are already logged by
// the router and never stop the session.
func (s *Session) handleFrame(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.router.Dispatch(data)
}

// spawn runs fn in the background. Callers hold s.mu; nothing starts once
// the session is closed.
func (s *Session) spawn(fn func(ctx context.Context)) {
	if s.ctx.Err() != nil {
		return
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn(s.ctx)
	}()
}

// enrichProposal resolves related record links and merges them into the
// proposal, touching nothing else on the entry.
func (s *Session) enrichProposal(id models.MessageID, records []models.Record) {
	records = append([]models.Record(nil), records...)
	s.spawn(func(ctx context.Context) {
		resolved := s.worker.ResolveRecords(ctx, records, "")

		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.log.Update(id, func(m models.Message) (models.Message, error) {
			if m.Proposal == nil {
				return m, fmt.Errorf("message %d: %w", id, ErrWrongKind)
			}
			p := proposal.SetRelatedRecords(*m.Proposal, resolved)
			m.Proposal = &p
			return m, nil
		})
		s.logMergeResult(id, "proposal", err)
	})
}

// enrichAgent links created records into an agent reply's content.
func (s *Session) enrichAgent(id models.MessageID, text string, created map[string][]models.Record) {
	s.spawn(func(ctx context.Context) {
		enriched, changed := s.worker.LinkifyText(ctx, text, created)
		if !changed {
			return
		}
		content := s.formatter.Message(enriched, true)

		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.log.Update(id, func(m models.Message) (models.Message, error) {
			if m.Kind != models.KindAgent {
				return m, fmt.Errorf("message %d: %w", id, ErrWrongKind)
			}
			m.Content = content
			return m, nil
		})
		s.logMergeResult(id, "agent", err)
	})
}

func (s *Session) logMergeResult(id models.MessageID, target string, err error) {
	switch {
	case err == nil:
		s.logger.Debug("enrichment merged", zap.Uint64("message_id", uint64(id)), zap.String("target", target))
	case errors.Is(err, messagelog.ErrNotFound):
		s.logger.Debug("enrichment discarded, message gone", zap.Uint64("message_id", uint64(id)))
	default:
		s.logger.Warn("enrichment merge failed", zap.Uint64("message_id", uint64(id)), zap.Error(err))
	}
}

// connHandler turns connection events into log entries.
type connHandler struct{ s *Session }

func (h connHandler) OnOpen() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.appendText(models.KindSystem, "Connected")
}

func (h connHandler) OnClose() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.appendText(models.KindSystem, "Disconnected")
}

func (h connHandler) OnReconnect(attempt int) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.appendText(models.KindSystem, fmt.Sprintf("Reconnecting... (Attempt %d)", attempt))
}

func (h connHandler) OnGiveUp(err error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.sending = false
	h.s.retractThinkingLocked()
	h.s.appendText(models.KindError, "Unable to reconnect. Reopen the chat to try again.")
	h.s.notifier.Notify("Connection Lost", err.Error(), LevelError)
}

func (h connHandler) OnError(err error) {
	var cerr *connection.ConnectionError
	if errors.As(err, &cerr) {
		h.s.notifier.Notify("Connection Error", "Failed to connect to the server", LevelError)
		return
	}
	h.s.notifier.Notify("Connection Error", err.Error(), LevelError)
}

func (h connHandler) OnFrame(data []byte) {
	h.s.handleFrame(data)
}
