package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherai-codegen/internal/ai"
	"gopherai-codegen/internal/app"
	"gopherai-codegen/internal/model"
	"gopherai-codegen/internal/pkg/jwtutil"
)

type fakeAuth map[string]*jwtutil.Claims

func (f fakeAuth) Authenticate(_ context.Context, raw string) (*jwtutil.Claims, error) {
	if claims, ok := f[raw]; ok {
		return claims, nil
	}
	return nil, app.ErrUnauthenticated
}

type fakeProjects struct {
	projects map[string]*model.Project
	err      error
}

func (f *fakeProjects) Resolve(_ context.Context, userID uint, projectID string) (*model.Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.projects[projectID]
	if !ok {
		return nil, nil
	}
	if !p.HasCollaborator(userID) {
		return nil, app.ErrProjectForbidden
	}
	return p, nil
}

type fakeStore struct {
	mu       sync.Mutex
	messages map[string][]model.Message
	failures int
	attempts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: map[string][]model.Message{}}
}

func (f *fakeStore) Store(_ context.Context, projectID string, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("redis down")
	}
	f.messages[projectID] = append(f.messages[projectID], msg)
	return nil
}

func (f *fakeStore) List(_ context.Context, projectID string, offset, limit int) []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[projectID]
	if offset >= len(all) {
		return []model.Message{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]model.Message{}, all[offset:end]...)
}

func (f *fakeStore) Search(_ context.Context, projectID, term string) []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Message{}
	for _, m := range f.messages[projectID] {
		if m.Matches(strings.ToLower(term)) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeStore) Count(_ context.Context, projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[projectID])
}

func (f *fakeStore) stored(projectID string) []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message{}, f.messages[projectID]...)
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
	block   bool
}

func (f *fakeGenerator) Generate(ctx context.Context, turns []ai.ChatMessage, _ int) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, turns[len(turns)-1].Content)
	reply, err, block := f.reply, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return reply, err
}

func (f *fakeGenerator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.prompts...)
}

type fakeSaver struct {
	mu    sync.Mutex
	saved map[string]model.FileTree
}

func (f *fakeSaver) SaveFileTree(_ context.Context, projectID string, tree model.FileTree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]model.FileTree{}
	}
	f.saved[projectID] = tree
	return nil
}

func (f *fakeSaver) get(projectID string) (model.FileTree, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.saved[projectID]
	return tree, ok
}

type harness struct {
	relay    *Relay
	store    *fakeStore
	gen      *fakeGenerator
	saver    *fakeSaver
	projects *fakeProjects
}

func newHarness(t *testing.T, gen *fakeGenerator, opts Options) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		gen:   gen,
		saver: &fakeSaver{},
		projects: &fakeProjects{projects: map[string]*model.Project{
			"P1": {ID: "P1", Name: "one", OwnerID: 1, Collaborators: []uint{1, 2, 3}},
			"P2": {ID: "P2", Name: "two", OwnerID: 4, Collaborators: []uint{4}},
		}},
	}
	auth := fakeAuth{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.relay = New(auth, h.projects, h.store, gen, h.saver, opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.relay.Shutdown(ctx)
	})
	return h
}

func (h *harness) attach(t *testing.T, userID uint, name, projectID string) *Client {
	t.Helper()
	c := newClient(fmt.Sprintf("conn-%d", userID), userID, model.UserSender(userID, name), nil, nil)
	require.True(t, h.relay.hub.Join(projectID, c))
	return c
}

func frame(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	raw, err := encode(event, data)
	require.NoError(t, err)
	return raw
}

func nextEvent(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case payload, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s received no event", c.id)
		return Envelope{}
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("client %s got unexpected event %s", c.id, payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeData(t *testing.T, env Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestBroadcastNeverReachesSender(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	alice := h.attach(t, 1, "alice", "P1")
	bob := h.attach(t, 2, "bob", "P1")
	carol := h.attach(t, 3, "carol", "P1")
	dave := h.attach(t, 4, "dave", "P2")

	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "  hello team  "}))

	for _, c := range []*Client{bob, carol} {
		env := nextEvent(t, c)
		assert.Equal(t, EventProjectMessage, env.Event)
		var msg model.Message
		decodeData(t, env, &msg)
		assert.Equal(t, "hello team", msg.Body)
		assert.Equal(t, "alice", msg.Sender.Label)
		assert.Equal(t, "P1", msg.ProjectID)
		require.False(t, msg.ExpiresAt.IsZero(), "relayed message has no retention window")
		assert.Equal(t, 24*time.Hour, msg.ExpiresAt.Sub(msg.Timestamp))
	}
	assertNoEvent(t, alice)
	assertNoEvent(t, dave)

	stored := h.store.stored("P1")
	require.Len(t, stored, 1)
	assert.Equal(t, "hello team", stored[0].Body)
	assert.Equal(t, 24*time.Hour, stored[0].ExpiresAt.Sub(stored[0].Timestamp))
	assert.Empty(t, h.gen.calls())
}

func TestAITriggerScenario(t *testing.T) {
	reply := `{"text":"Added a Button component","fileTree":{"Button.jsx":{"file":{"contents":"export const Button = () => <button/>"}}},"startCommand":"npm run dev"}`
	h := newHarness(t, &fakeGenerator{reply: reply}, Options{Retention: time.Hour})
	alice := h.attach(t, 1, "alice", "P1")
	bob := h.attach(t, 2, "bob", "P1")

	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "@ai create a button component"}))

	env := nextEvent(t, bob)
	require.Equal(t, EventProjectMessage, env.Event)
	var raw model.Message
	decodeData(t, env, &raw)
	assert.Equal(t, "@ai create a button component", raw.Body)
	assert.Equal(t, time.Hour, raw.ExpiresAt.Sub(raw.Timestamp))

	for _, c := range []*Client{alice, bob} {
		env = nextEvent(t, c)
		require.Equal(t, EventAIWorking, env.Event)
		var working AIWorking
		decodeData(t, env, &working)
		assert.Equal(t, model.AISenderID, working.Sender.ID)
		assert.Equal(t, "alice", working.RequestedBy.Label)

		env = nextEvent(t, c)
		require.Equal(t, EventAIResult, env.Event)
		var result AIResult
		decodeData(t, env, &result)
		assert.Equal(t, working.RequestID, result.RequestID)
		assert.True(t, result.Message.FromAI())
		assert.Equal(t, "Added a Button component", result.Message.Body)
		assert.Equal(t, "npm run dev", result.StartCommand)
		require.False(t, result.Message.ExpiresAt.IsZero(), "ai result has no retention window")
		assert.Equal(t, time.Hour, result.Message.ExpiresAt.Sub(result.Message.Timestamp))
		assert.Contains(t, result.FileTree, "Button.jsx")

		assertNoEvent(t, c)
	}

	assert.Equal(t, []string{"create a button component"}, h.gen.calls())
	tree, ok := h.saver.get("P1")
	require.True(t, ok)
	assert.Contains(t, tree, "Button.jsx")

	stored := h.store.stored("P1")
	require.Len(t, stored, 2)
	assert.False(t, stored[0].FromAI())
	assert.True(t, stored[1].FromAI())
}

func TestAITimeoutYieldsSingleErrorMessage(t *testing.T) {
	h := newHarness(t, &fakeGenerator{block: true}, Options{AITimeout: 50 * time.Millisecond})
	alice := h.attach(t, 1, "alice", "P1")
	bob := h.attach(t, 2, "bob", "P1")

	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "@AI build a todo app"}))

	require.Equal(t, EventProjectMessage, nextEvent(t, bob).Event)
	for _, c := range []*Client{alice, bob} {
		require.Equal(t, EventAIWorking, nextEvent(t, c).Event)

		env := nextEvent(t, c)
		require.Equal(t, EventError, env.Event)
		var failure ErrorEvent
		decodeData(t, env, &failure)
		assert.Equal(t, CodeAITimeout, failure.Code)
		assert.True(t, failure.Message.FromAI())

		assertNoEvent(t, c)
	}

	assert.Equal(t, []string{"build a todo app"}, h.gen.calls())
	_, saved := h.saver.get("P1")
	assert.False(t, saved)
}

func TestAIUpstreamErrorsAreClassified(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ai.ErrUnavailable, CodeAIUnavailable},
		{fmt.Errorf("wrapped: %w", ai.ErrTimeout), CodeAITimeout},
		{&ai.StatusError{StatusCode: 500, Body: "boom"}, CodeAIFailed},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			h := newHarness(t, &fakeGenerator{err: tt.err}, Options{})
			alice := h.attach(t, 1, "alice", "P1")

			h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "@ai do it"}))
			require.Equal(t, EventAIWorking, nextEvent(t, alice).Event)
			env := nextEvent(t, alice)
			require.Equal(t, EventError, env.Event)
			var failure ErrorEvent
			decodeData(t, env, &failure)
			assert.Equal(t, tt.code, failure.Code)
			assertNoEvent(t, alice)
		})
	}
}

func TestAIEmptyPromptFailsWithoutCallingModel(t *testing.T) {
	h := newHarness(t, &fakeGenerator{reply: "unused"}, Options{})
	alice := h.attach(t, 1, "alice", "P1")

	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: " @ai "}))

	require.Equal(t, EventAIWorking, nextEvent(t, alice).Event)
	env := nextEvent(t, alice)
	require.Equal(t, EventError, env.Event)
	var failure ErrorEvent
	decodeData(t, env, &failure)
	assert.Equal(t, CodeBadRequest, failure.Code)
	assert.Empty(t, h.gen.calls())
}

func TestPlainReplyHasNoFileTree(t *testing.T) {
	h := newHarness(t, &fakeGenerator{reply: "Use a flex container."}, Options{})
	alice := h.attach(t, 1, "alice", "P1")

	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "@ai how do I center a div?"}))
	require.Equal(t, EventAIWorking, nextEvent(t, alice).Event)
	env := nextEvent(t, alice)
	require.Equal(t, EventAIResult, env.Event)
	var result AIResult
	decodeData(t, env, &result)
	assert.Equal(t, "Use a flex container.", result.Message.Body)
	assert.Empty(t, result.FileTree)

	_, saved := h.saver.get("P1")
	assert.False(t, saved)
}

func TestStoreFailureIsRetriedAndNeverBlocksDelivery(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	alice := h.attach(t, 1, "alice", "P1")
	bob := h.attach(t, 2, "bob", "P1")

	h.store.failures = 1
	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "first"}))
	require.Equal(t, EventProjectMessage, nextEvent(t, bob).Event)
	assert.Len(t, h.store.stored("P1"), 1)

	h.store.failures = 2
	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "second"}))
	require.Equal(t, EventProjectMessage, nextEvent(t, bob).Event)
	assert.Len(t, h.store.stored("P1"), 1)
	assert.Equal(t, 4, h.store.attempts)
}

func TestHistoryAndSearchGoOnlyToRequester(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{HistoryPageSize: 2})
	alice := h.attach(t, 1, "alice", "P1")
	bob := h.attach(t, 2, "bob", "P1")

	for _, body := range []string{"make a navbar", "looks good", "add a footer"} {
		require.NoError(t, h.store.Store(context.Background(), "P1", model.Message{ID: body, Body: body, Sender: model.Sender{ID: "2", Label: "bob"}}))
	}

	h.relay.handle(alice, frame(t, EventLoadMoreMessages, loadMoreIn{Offset: 2}))
	env := nextEvent(t, alice)
	require.Equal(t, EventMessageHistory, env.Event)
	var history MessageHistory
	decodeData(t, env, &history)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "add a footer", history.Messages[0].Body)
	assert.Equal(t, 3, history.Total)
	assert.False(t, history.HasMore)

	h.relay.handle(alice, frame(t, EventLoadMoreMessages, loadMoreIn{}))
	decodeData(t, nextEvent(t, alice), &history)
	assert.Len(t, history.Messages, 2)
	assert.True(t, history.HasMore)

	h.relay.handle(alice, frame(t, EventSearchMessages, searchIn{Term: "NAV"}))
	env = nextEvent(t, alice)
	require.Equal(t, EventSearchResults, env.Event)
	var results SearchResults
	decodeData(t, env, &results)
	require.Len(t, results.Messages, 1)
	assert.Equal(t, "make a navbar", results.Messages[0].Body)

	assertNoEvent(t, bob)
}

func TestJoinProjectMovesRoomsWithAuthorization(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	alice := h.attach(t, 1, "alice", "P1")

	h.relay.handle(alice, frame(t, EventJoinProject, joinProjectIn{ProjectID: "P2"}))
	env := nextEvent(t, alice)
	require.Equal(t, EventError, env.Event)
	var failure ErrorEvent
	decodeData(t, env, &failure)
	assert.Equal(t, CodeForbidden, failure.Code)
	assert.Equal(t, "P1", h.relay.hub.Room(alice))

	// unknown projects are tolerated
	h.relay.handle(alice, frame(t, EventJoinProject, joinProjectIn{ProjectID: "scratch"}))
	env = nextEvent(t, alice)
	require.Equal(t, EventJoined, env.Event)
	var joined Joined
	decodeData(t, env, &joined)
	assert.Equal(t, "scratch", joined.ProjectID)
	assert.Nil(t, joined.Project)
	assert.Equal(t, 1, joined.Online)
	require.Equal(t, EventMessageHistory, nextEvent(t, alice).Event)
	assert.Equal(t, 0, h.relay.hub.RoomSize("P1"))
}

func TestMalformedFramesGetErrors(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	alice := h.attach(t, 1, "alice", "P1")

	for _, raw := range []string{`not json`, `{"event":"dance"}`, `{"event":"project-message","data":42}`} {
		h.relay.handle(alice, []byte(raw))
		env := nextEvent(t, alice)
		require.Equal(t, EventError, env.Event, raw)
		var failure ErrorEvent
		decodeData(t, env, &failure)
		assert.Equal(t, CodeBadRequest, failure.Code)
	}
}

func TestNotifyFileTreeReachesWholeRoom(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	alice := h.attach(t, 1, "alice", "P1")
	bob := h.attach(t, 2, "bob", "P1")

	tree := model.FileTree{"index.js": {File: &model.FileLeaf{Contents: "1"}}}
	h.relay.NotifyFileTree("P1", tree, model.UserSender(1, "alice"))
	for _, c := range []*Client{alice, bob} {
		env := nextEvent(t, c)
		require.Equal(t, EventFileTreeUpdate, env.Event)
		var update FileTreeUpdate
		decodeData(t, env, &update)
		assert.Equal(t, tree, update.FileTree)
	}
}

func TestShutdownCancelsInFlightAI(t *testing.T) {
	gen := &fakeGenerator{block: true}
	h := newHarness(t, gen, Options{AITimeout: time.Minute})
	alice := h.attach(t, 1, "alice", "P1")

	h.relay.handle(alice, frame(t, EventProjectMessage, projectMessageIn{Message: "@ai slow job"}))
	require.Equal(t, EventAIWorking, nextEvent(t, alice).Event)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.relay.Shutdown(ctx))

	_, open := <-alice.send
	assert.False(t, open)
	assert.False(t, h.relay.hub.Join("P1", alice))
}

func TestStripTrigger(t *testing.T) {
	tests := []struct {
		body      string
		want      string
		triggered bool
	}{
		{"@ai create a button component", "create a button component", true},
		{"please @AI add a footer", "please add a footer", true},
		{"@ai\nline one\nline two", "line one\nline two", true},
		{"@ai", "", true},
		{"hello there", "hello there", false},
		{"email me at bob@aimail.com", "email me at bob mail.com", true},
	}
	for _, tt := range tests {
		got, ok := StripTrigger(tt.body, "@ai")
		assert.Equal(t, tt.triggered, ok, tt.body)
		assert.Equal(t, tt.want, got, tt.body)
	}
}

func TestCheckOrigin(t *testing.T) {
	r := New(fakeAuth{}, &fakeProjects{}, newFakeStore(), &fakeGenerator{}, nil,
		Options{AllowedOrigins: []string{"http://localhost:5173/"}}, nil)
	defer r.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, r.checkOrigin(req))

	req.Header.Set("Origin", "http://LOCALHOST:5173")
	assert.True(t, r.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, r.checkOrigin(req))

	r.opts.AllowedOrigins = []string{"*"}
	assert.True(t, r.checkOrigin(req))
}

func TestHubClosesSendChannelOnce(t *testing.T) {
	hub := NewHub()
	c := newClient("c1", 1, model.UserSender(1, "a"), nil, nil)
	require.True(t, hub.Join("P1", c))
	assert.Equal(t, 1, hub.RoomSize("P1"))

	hub.Remove(c)
	hub.Remove(c)
	hub.Close()
	assert.Equal(t, 0, hub.RoomSize("P1"))
	assert.False(t, hub.Send(c, []byte("x")))
	assert.Equal(t, 0, hub.Broadcast("P1", []byte("x"), nil))
}

func TestHubDropsForSlowClients(t *testing.T) {
	hub := NewHub()
	slow := newClient("slow", 1, model.UserSender(1, "a"), nil, nil)
	require.True(t, hub.Join("P1", slow))

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, hub.Send(slow, []byte("x")))
	}
	assert.False(t, hub.Send(slow, []byte("overflow")))
	assert.Equal(t, 0, hub.Broadcast("P1", []byte("overflow"), nil))
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketEndToEnd(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	auth := h.relay.auth.(fakeAuth)
	auth["tok-alice"] = &jwtutil.Claims{UserID: 1, Username: "alice"}
	auth["tok-bob"] = &jwtutil.Claims{UserID: 2, Username: "bob"}
	auth["tok-dave"] = &jwtutil.Claims{UserID: 4, Username: "dave"}

	srv := httptest.NewServer(h.relay)
	defer srv.Close()

	cases := []struct {
		query  string
		header http.Header
		status int
	}{
		{"projectId=P1", nil, http.StatusUnauthorized},
		{"projectId=P1&token=wrong", nil, http.StatusUnauthorized},
		{"token=tok-alice", nil, http.StatusBadRequest},
		{"projectId=P1&token=tok-dave", nil, http.StatusForbidden},
		{"projectId=P1", http.Header{"Origin": []string{"http://evil.example"}, "Authorization": []string{"Bearer tok-alice"}}, http.StatusForbidden},
	}
	for _, tc := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tc.query), tc.header)
		require.Error(t, err, tc.query)
		require.NotNil(t, resp, tc.query)
		assert.Equal(t, tc.status, resp.StatusCode, tc.query)
		resp.Body.Close()
	}

	alice, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "projectId=P1&token=tok-alice"), nil)
	require.NoError(t, err)
	defer alice.Close()
	bob, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "projectId=P1"),
		http.Header{"Cookie": []string{jwtutil.CookieName + "=tok-bob"}})
	require.NoError(t, err)
	defer bob.Close()

	for _, conn := range []*websocket.Conn{alice, bob} {
		assert.Equal(t, EventJoined, readEnvelope(t, conn).Event)
		assert.Equal(t, EventMessageHistory, readEnvelope(t, conn).Event)
	}

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"event": EventProjectMessage,
		"data":  map[string]string{"message": "hi bob"},
	}))
	env := readEnvelope(t, bob)
	require.Equal(t, EventProjectMessage, env.Event)
	var msg model.Message
	decodeData(t, env, &msg)
	assert.Equal(t, "hi bob", msg.Body)
	assert.Equal(t, model.UserSender(1, "alice"), msg.Sender)

	// a lookup failure is tolerated
	h.projects.err = errors.New("db down")
	carol, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "projectId=P1&token=tok-dave"), nil)
	require.NoError(t, err)
	defer carol.Close()
	assert.Equal(t, EventJoined, readEnvelope(t, carol).Event)
}
