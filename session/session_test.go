package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-session/connection"
	"chat-session/enrich"
	"chat-session/format"
	"chat-session/models"
	"chat-session/proposal"
	"chat-session/resolver"
)

// fakeConn delivers frames pushed on in and records every write.
type fakeConn struct {
	in     chan []byte
	mu     sync.Mutex
	writes []models.OutboundFrame
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection reset")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v.(models.OutboundFrame))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = w.Message
	}
	return out
}

// fakeDialer hands out conns in order and refuses once they run out.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (connection.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type note struct {
	title string
	level Level
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *recordingNotifier) Notify(title, message string, level Level) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{title: title, level: level})
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.notes {
		out = append(out, x.title)
	}
	return out
}

// gatedResolver blocks every lookup until release is closed.
type gatedResolver struct {
	inner   enrich.Resolver
	release chan struct{}
}

func (g gatedResolver) Resolve(ctx context.Context, id, kind string) (string, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.inner.Resolve(ctx, id, kind)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string, string) (string, error) {
	return "", errors.New("lookup service down")
}

type fixture struct {
	s        *Session
	conn     *fakeConn
	dialer   *fakeDialer
	notifier *recordingNotifier
}

func newFixture(t *testing.T, r enrich.Resolver, conns ...*fakeConn) *fixture {
	t.Helper()
	if r == nil {
		r = resolver.Template{BaseURL: "https://crm.example.com"}
	}
	f := &fixture{dialer: &fakeDialer{conns: conns}, notifier: &recordingNotifier{}}
	if len(conns) > 0 {
		f.conn = conns[0]
	}
	s, err := New(Options{
		SessionID:  "sess-1",
		Connection: connection.Config{URL: "ws://chat.test/ws", MaxAttempts: 5, RetryDelay: time.Millisecond},
		Dialer:     f.dialer,
		Resolver:   r,
		Enrichment: enrich.DefaultConfig(),
		Formatter:  format.New(false),
		Notifier:   f.notifier,
	})
	require.NoError(t, err)
	f.s = s
	t.Cleanup(func() { s.Close() })
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	require.NoError(t, f.s.Open(context.Background()))
}

func (f *fixture) frame(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.s.handleFrame(data)
}

func kinds(msgs []models.Message) []models.Kind {
	out := make([]models.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func last(s *Session, kind models.Kind) models.Message {
	msgs := s.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == kind {
			return msgs[i]
		}
	}
	return models.Message{}
}

func TestNew_RequiresResolver(t *testing.T) {
	_, err := New(Options{Connection: connection.Config{URL: "ws://chat.test/ws"}})
	assert.Error(t, err)
}

func TestOpen_AppendsConnectedAndCarriesSessionID(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	msgs := f.s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.KindSystem, msgs[0].Kind)
	assert.Equal(t, "Connected", msgs[0].Content.Text)
	assert.Equal(t, connection.StateConnected, f.s.State())
	require.Len(t, f.dialer.urls, 1)
	assert.Contains(t, f.dialer.urls[0], "session_id=sess-1")
}

func TestSend_WhileDisconnectedLeavesNoEntry(t *testing.T) {
	f := newFixture(t, nil)

	err := f.s.Send("hello", "")

	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Empty(t, f.s.Messages())
	assert.False(t, f.s.Sending())
	assert.Equal(t, []string{"Not Connected"}, f.notifier.titles())
	assert.Equal(t, LevelWarning, f.notifier.notes[0].level)
}

func TestSend_BlankIsIgnored(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	require.NoError(t, f.s.Send("   ", ""))

	assert.Empty(t, f.conn.sent())
	assert.Equal(t, 1, f.s.Log().Len())
}

func TestSend_EchoThinkingThenResponse(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	require.NoError(t, f.s.Send("Write a welcome email", ""))

	assert.Equal(t, []string{"Write a welcome email"}, f.conn.sent())
	assert.Equal(t, []models.Kind{models.KindSystem, models.KindUser, models.KindThinking}, kinds(f.s.Messages()))
	assert.True(t, f.s.Sending())

	f.frame(t, map[string]interface{}{
		"type":     "response",
		"success":  true,
		"response": "Here is your draft",
		"generated_email_content": map[string]interface{}{
			"subject":   "Welcome",
			"body_html": "<p>Hi</p>",
		},
	})

	assert.Equal(t, []models.Kind{models.KindSystem, models.KindUser, models.KindEmail, models.KindAgent}, kinds(f.s.Messages()))
	assert.False(t, f.s.Sending())

	email := last(f.s, models.KindEmail).Email
	require.NotNil(t, email)
	assert.Equal(t, "Welcome", email.Subject)
	assert.Equal(t, "Professional", email.Tone)
	assert.Equal(t, "General", email.Audience)
	assert.Equal(t, "Here is your draft", last(f.s, models.KindAgent).Content.Text)
}

func TestStatusKeepsSending(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)
	require.NoError(t, f.s.Send("go", ""))

	f.frame(t, map[string]interface{}{"type": "status", "message": "Looking up contacts..."})

	assert.True(t, f.s.Sending())
	assert.Equal(t, 0, f.s.Log().Count(models.KindThinking))
	assert.Equal(t, "Looking up contacts...", last(f.s, models.KindSystem).Content.Text)
}

func TestFailedResponseBecomesError(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	f.frame(t, map[string]interface{}{"type": "response", "success": false, "error": "quota exceeded"})
	f.frame(t, map[string]interface{}{"type": "error", "message": "boom"})

	errs := []string{}
	for _, m := range f.s.Messages() {
		if m.Kind == models.KindError {
			errs = append(errs, m.Content.Text)
		}
	}
	assert.Equal(t, []string{"Error: quota exceeded", "Error: boom"}, errs)
}

func TestMalformedFrameIsSurvivable(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)
	require.NoError(t, f.s.Send("go", ""))

	f.s.handleFrame([]byte("{not json"))

	assert.False(t, f.s.Sending())
	assert.Equal(t, 0, f.s.Log().Count(models.KindThinking))
	require.NoError(t, f.s.Send("again", ""))
}

func reviewFrame() map[string]interface{} {
	return map[string]interface{}{
		"type":    "review_proposal",
		"message": "Review",
		"proposal": map[string]interface{}{
			"object":        "Contact",
			"contact_count": 3,
			"fields":        []interface{}{map[string]interface{}{"name": "Email", "value": "a@b.com"}},
			"available_fields": []interface{}{
				map[string]interface{}{"name": "Email", "label": "Email", "type": "text"},
				map[string]interface{}{"name": "Status", "label": "Status", "type": "picklist", "picklistValues": []string{"New", "Active"}},
			},
			"related_records": []interface{}{map[string]interface{}{"Id": "1", "Name": "Acme"}},
		},
	}
}

func TestReviewProposal_BuildsEntryAndEnriches(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	f.frame(t, reviewFrame())
	f.s.WaitIdle()

	require.Equal(t, 1, f.s.Log().Count(models.KindReviewProposal))
	p := last(f.s, models.KindReviewProposal).Proposal
	require.NotNil(t, p)
	assert.Equal(t, "Review", p.Prompt)
	assert.Equal(t, 3, p.ContactCount)
	require.Len(t, p.Fields, 1)
	assert.Equal(t, "Email", p.Fields[0].Name)
	assert.False(t, p.Fields[0].IsPicklist)
	assert.Len(t, p.AvailableFields, 2)
	require.Len(t, p.RelatedRecords, 1)
	assert.Equal(t, "Acme", p.RelatedRecords[0].Name)
	assert.Equal(t, "https://crm.example.com/1", p.RelatedRecords[0].URL)
}

func TestReviewProposal_FailedLookupUsesPlaceholder(t *testing.T) {
	f := newFixture(t, failingResolver{}, newFakeConn())
	f.open(t)

	f.frame(t, reviewFrame())
	f.s.WaitIdle()

	p := last(f.s, models.KindReviewProposal).Proposal
	require.Len(t, p.RelatedRecords, 1)
	assert.Equal(t, "#", p.RelatedRecords[0].URL)
}

func TestEnrichmentKeepsEditsMadeMeanwhile(t *testing.T) {
	gate := gatedResolver{inner: resolver.Template{BaseURL: "https://crm.example.com"}, release: make(chan struct{})}
	f := newFixture(t, gate, newFakeConn())
	f.open(t)

	f.frame(t, reviewFrame())
	id := last(f.s, models.KindReviewProposal).ID
	key := last(f.s, models.KindReviewProposal).Proposal.Fields[0].Key

	require.NoError(t, f.s.ToggleEdit(id))
	require.NoError(t, f.s.SetFieldValue(id, key, "c@d.com"))
	close(gate.release)
	f.s.WaitIdle()

	p := last(f.s, models.KindReviewProposal).Proposal
	assert.Equal(t, models.StateEditing, p.State)
	assert.Equal(t, "c@d.com", p.Fields[0].Value)
	assert.Len(t, p.RelatedRecords, 1)
}

func TestEditAndProceed(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)
	f.frame(t, reviewFrame())
	f.s.WaitIdle()
	id := last(f.s, models.KindReviewProposal).ID

	require.NoError(t, f.s.ToggleEdit(id))
	key, err := f.s.AddField(id)
	require.NoError(t, err)
	require.NoError(t, f.s.SetFieldName(id, key, "Status"))
	require.NoError(t, f.s.SetFieldValue(id, key, "Active"))

	dupKey, err := f.s.AddField(id)
	require.NoError(t, err)
	assert.ErrorIs(t, f.s.SetFieldName(id, dupKey, "Status"), proposal.ErrDuplicateName)

	require.NoError(t, f.s.Proceed(id))

	p := last(f.s, models.KindReviewProposal).Proposal
	assert.Equal(t, models.StateProceeded, p.State)
	sent := f.conn.sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "Proceed with creating Contact. Details: Email='a@b.com', Status='Active'"), sent[0])
	assert.Contains(t, sent[0], "Create CampaignMember records for the following 1 found records: [1]")
	assert.Equal(t, proposal.ProceedLabel, last(f.s, models.KindUser).Content.Text)

	assert.ErrorIs(t, f.s.Proceed(id), proposal.ErrProceeded)
	assert.ErrorIs(t, f.s.ToggleEdit(id), proposal.ErrProceeded)
	assert.Len(t, f.conn.sent(), 1)
}

func TestProceedWhileDisconnectedStaysProceeded(t *testing.T) {
	f := newFixture(t, nil)
	f.frame(t, reviewFrame())
	f.s.WaitIdle()
	id := last(f.s, models.KindReviewProposal).ID

	err := f.s.Proceed(id)

	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Equal(t, models.StateProceeded, last(f.s, models.KindReviewProposal).Proposal.State)
	assert.Equal(t, 0, f.s.Log().Count(models.KindUser))
}

func TestEditorOpsRejectOtherKinds(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)
	id := f.s.Messages()[0].ID

	assert.ErrorIs(t, f.s.ToggleEdit(id), ErrWrongKind)
	assert.ErrorIs(t, f.s.MarkSaved(id), ErrWrongKind)
	assert.ErrorIs(t, f.s.SelectOption(id, "Yes"), ErrWrongKind)
}

func TestMarkSavedEmail(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)
	f.frame(t, map[string]interface{}{
		"type": "response", "success": true, "response": "done",
		"generated_email_content": map[string]interface{}{"subject": "Hi"},
	})
	id := last(f.s, models.KindEmail).ID

	require.NoError(t, f.s.MarkSaved(id))

	assert.True(t, last(f.s, models.KindEmail).Email.IsSaved)
	assert.Equal(t, []string{DefaultSaveInstruction}, f.conn.sent())
	assert.Equal(t, SaveLabel, last(f.s, models.KindUser).Content.Text)
}

func TestConfirmationSelect(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)
	f.frame(t, map[string]interface{}{"type": "confirmation", "message": "Send now?"})
	id := last(f.s, models.KindConfirmation).ID

	assert.ErrorIs(t, f.s.SelectOption(id, "Maybe"), ErrUnknownOption)
	require.NoError(t, f.s.SelectOption(id, "Yes"))
	assert.ErrorIs(t, f.s.SelectOption(id, "No"), ErrAlreadyAnswered)

	c := last(f.s, models.KindConfirmation).Confirmation
	assert.True(t, c.Answered)
	assert.Equal(t, "Yes", c.Choice)
	assert.Equal(t, []string{"Yes"}, f.conn.sent())
}

func TestAgentReplyLinksCreatedRecords(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	f.frame(t, map[string]interface{}{
		"type": "response", "success": true, "response": "Created contact alice smith.",
		"created_records": map[string]interface{}{
			"Contact": []interface{}{map[string]interface{}{"Id": "003A", "Name": "Alice Smith"}},
		},
	})
	f.s.WaitIdle()

	want := `Created contact <a href="https://crm.example.com/lightning/r/Contact/003A/view" target="_blank" class="record-link">Alice Smith</a>.`
	assert.Equal(t, want, last(f.s, models.KindAgent).Content.Text)
}

func TestAgentReplyDataProcessed(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	f.frame(t, map[string]interface{}{"type": "response", "success": true, "response": "ok", "salesforce_data": true})

	assert.Equal(t, "✓ Data processed", last(f.s, models.KindSystem).Content.Text)
}

func TestThinkingNeverDuplicates(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	steps := []func(){
		func() { require.NoError(t, f.s.Send("one", "")) },
		func() { require.NoError(t, f.s.Send("two", "")) },
		func() { f.frame(t, map[string]interface{}{"type": "status", "message": "working"}) },
		func() { require.NoError(t, f.s.Send("three", "")) },
		func() { f.s.handleFrame([]byte(`{"type":"mystery"}`)) },
		func() { f.frame(t, map[string]interface{}{"type": "response", "success": true, "response": "ok"}) },
	}
	for _, step := range steps {
		step()
		assert.LessOrEqual(t, f.s.Log().Count(models.KindThinking), 1)
	}
	assert.Equal(t, 0, f.s.Log().Count(models.KindThinking))
}

func TestFiveDropsThenGiveUp(t *testing.T) {
	conn := newFakeConn()
	f := newFixture(t, nil, conn)
	f.open(t)
	require.NoError(t, f.s.Send("pending", ""))

	conn.Close()

	require.Eventually(t, func() bool {
		return f.s.Log().Count(models.KindError) == 1
	}, 2*time.Second, 5*time.Millisecond)

	reconnects := 0
	for _, m := range f.s.Messages() {
		if m.Kind == models.KindSystem && strings.HasPrefix(m.Content.Text, "Reconnecting... (Attempt ") {
			reconnects++
		}
	}
	assert.Equal(t, 5, reconnects)
	assert.Equal(t, "Reconnecting... (Attempt 5)", lastReconnect(f.s))
	assert.False(t, f.s.Sending())
	assert.Equal(t, 0, f.s.Log().Count(models.KindThinking))
	assert.Contains(t, f.notifier.titles(), "Connection Lost")
}

func TestOpenAfterGiveUpReconnects(t *testing.T) {
	first := newFakeConn()
	f := newFixture(t, nil, first)
	f.open(t)
	first.Close()
	require.Eventually(t, func() bool {
		return f.s.Log().Count(models.KindError) == 1
	}, 2*time.Second, 5*time.Millisecond)

	second := newFakeConn()
	f.dialer.mu.Lock()
	f.dialer.conns = append(f.dialer.conns, second)
	f.dialer.mu.Unlock()

	require.NoError(t, f.s.Open(context.Background()))

	assert.Equal(t, connection.StateConnected, f.s.State())
	assert.Equal(t, "Connected", last(f.s, models.KindSystem).Content.Text)
	require.NoError(t, f.s.Send("hello again", ""))
	assert.Equal(t, []string{"hello again"}, second.sent())
}

func TestReviewProposal_BackendValueShapes(t *testing.T) {
	f := newFixture(t, nil, newFakeConn())
	f.open(t)

	f.s.handleFrame([]byte(`{"type":"review_proposal","message":"Review campaign","proposal":{
		"object":"Campaign",
		"fields":[
			{"name":"Status","value":"Planned"},
			{"name":"BudgetedCost","value":5000},
			{"name":"IsActive","value":true}
		],
		"available_fields":[
			{"name":"Status","label":"Status","type":"picklist","picklistValues":[
				{"label":"Planned","value":"Planned"},
				{"label":"In Progress","value":"In Progress"}
			]},
			{"name":"BudgetedCost","label":"Budgeted Cost","type":"currency"},
			{"name":"IsActive","label":"Active","type":"boolean"}
		]}}`))

	require.Equal(t, 1, f.s.Log().Count(models.KindReviewProposal))
	p := last(f.s, models.KindReviewProposal).Proposal
	require.Len(t, p.Fields, 3)
	assert.True(t, p.Fields[0].IsPicklist)
	assert.Equal(t, []string{"Planned", "In Progress"}, p.Fields[0].PicklistValues)
	assert.Equal(t, "5000", p.Fields[1].Value)
	assert.Equal(t, "true", p.Fields[2].Value)
}

func lastReconnect(s *Session) string {
	out := ""
	for _, m := range s.Messages() {
		if strings.HasPrefix(m.Content.Text, "Reconnecting...") {
			out = m.Content.Text
		}
	}
	return out
}

func TestReconnectRestoresSession(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	f := newFixture(t, nil, first, second)
	f.open(t)

	first.Close()

	require.Eventually(t, func() bool {
		return f.s.State() == connection.StateConnected && f.s.Log().Count(models.KindSystem) >= 4
	}, 2*time.Second, 5*time.Millisecond)

	var texts []string
	for _, m := range f.s.Messages() {
		texts = append(texts, m.Content.Text)
	}
	assert.Equal(t, []string{"Connected", "Disconnected", "Reconnecting... (Attempt 1)", "Connected"}, texts)

	second.in <- []byte(`{"type":"status","message":"back"}`)
	require.Eventually(t, func() bool {
		return last(f.s, models.KindSystem).Content.Text == "back"
	}, time.Second, 5*time.Millisecond)
}

func TestCloseDoesNotReconnect(t *testing.T) {
	f := newFixture(t, nil, newFakeConn(), newFakeConn())
	f.open(t)

	require.NoError(t, f.s.Close())
	time.Sleep(20 * time.Millisecond)

	var texts []string
	for _, m := range f.s.Messages() {
		texts = append(texts, m.Content.Text)
	}
	assert.Equal(t, []string{"Connected", "Disconnected"}, texts)
	assert.Len(t, f.dialer.urls, 1)
}
