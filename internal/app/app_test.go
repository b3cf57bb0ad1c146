package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gopherai-codegen/internal/ai"
	"gopherai-codegen/internal/model"
	"gopherai-codegen/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Project{}, &model.ProjectCollaborator{}))
	return db
}

type fakeRevoker struct {
	mu      sync.Mutex
	revoked map[string]time.Duration
	err     error
}

func newFakeRevoker() *fakeRevoker {
	return &fakeRevoker{revoked: map[string]time.Duration{}}
}

func (f *fakeRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[tokenID] = ttl
	return nil
}

func (f *fakeRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.revoked[tokenID]
	return ok, nil
}

type fakeClearer struct {
	cleared []string
}

func (f *fakeClearer) Clear(_ context.Context, projectID string) error {
	f.cleared = append(f.cleared, projectID)
	return nil
}

type fakeGenerator struct {
	reply string
	err   error
	calls [][]ai.ChatMessage
}

func (f *fakeGenerator) Generate(_ context.Context, turns []ai.ChatMessage, _ int) (string, error) {
	f.calls = append(f.calls, turns)
	return f.reply, f.err
}

func (f *fakeGenerator) Stream(_ context.Context, turns []ai.ChatMessage, _ int, onChunk func(string) error) (string, error) {
	f.calls = append(f.calls, turns)
	if f.err != nil {
		return "", f.err
	}
	if err := onChunk(f.reply); err != nil {
		return "", err
	}
	return f.reply, nil
}

func TestAuthRegisterLoginLogout(t *testing.T) {
	ctx := context.Background()
	revoker := newFakeRevoker()
	svc := NewAuthService(repository.NewUserRepository(newTestDB(t)), revoker, "secret", time.Hour, discardLogger())

	res, err := svc.Register(ctx, RegisterInput{Username: "ada", Email: "ADA@example.com", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", res.User.Email)
	assert.NotEmpty(t, res.Token)

	_, err = svc.Register(ctx, RegisterInput{Username: "ada", Email: "other@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrUsernameExists)
	_, err = svc.Register(ctx, RegisterInput{Username: "bob", Email: "ada@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrEmailExists)
	_, err = svc.Register(ctx, RegisterInput{Username: "ai", Email: "ai@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrUsernameExists)
	_, err = svc.Register(ctx, RegisterInput{Username: "short", Email: "s@example.com", Password: "123"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Login(ctx, LoginInput{Username: "ada", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	login, err := svc.Login(ctx, LoginInput{Username: "ada", Password: "password123"})
	require.NoError(t, err)

	claims, err := svc.Authenticate(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.UserID)

	require.NoError(t, svc.Logout(ctx, login.Token))
	_, err = svc.Authenticate(ctx, login.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Len(t, revoker.revoked, 1)

	// the registration token is a different token and stays valid
	_, err = svc.Authenticate(ctx, res.Token)
	assert.NoError(t, err)
}

func TestAuthenticateRejectsGarbageAndFailsOpenOnStoreOutage(t *testing.T) {
	ctx := context.Background()
	revoker := newFakeRevoker()
	svc := NewAuthService(repository.NewUserRepository(newTestDB(t)), revoker, "secret", time.Hour, discardLogger())

	_, err := svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = svc.Authenticate(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	res, err := svc.Register(ctx, RegisterInput{Username: "ada", Email: "ada@example.com", Password: "password123"})
	require.NoError(t, err)

	revoker.err = errors.New("redis down")
	_, err = svc.Authenticate(ctx, res.Token)
	assert.NoError(t, err)
}

func TestListUsersExcludesCaller(t *testing.T) {
	ctx := context.Background()
	svc := NewAuthService(repository.NewUserRepository(newTestDB(t)), nil, "secret", time.Hour, discardLogger())
	a, err := svc.Register(ctx, RegisterInput{Username: "ada", Email: "ada@example.com", Password: "password123"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{Username: "bob", Email: "bob@example.com", Password: "password123"})
	require.NoError(t, err)

	users, err := svc.ListUsers(ctx, a.User.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)
}

type projectFixture struct {
	svc     *ProjectService
	clearer *fakeClearer
	owner   model.User
	guest   model.User
}

func newProjectFixture(t *testing.T) projectFixture {
	t.Helper()
	db := newTestDB(t)
	users := repository.NewUserRepository(db)
	owner := model.User{Username: "owner", Email: "owner@example.com", PasswordHash: "x"}
	guest := model.User{Username: "guest", Email: "guest@example.com", PasswordHash: "x"}
	require.NoError(t, users.Create(context.Background(), &owner))
	require.NoError(t, users.Create(context.Background(), &guest))

	clearer := &fakeClearer{}
	svc := NewProjectService(repository.NewProjectRepository(db), users, clearer, discardLogger())
	return projectFixture{svc: svc, clearer: clearer, owner: owner, guest: guest}
}

func TestProjectAccessControl(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)

	_, err := f.svc.Create(ctx, CreateProjectInput{OwnerID: f.owner.ID, Name: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	p, err := f.svc.Create(ctx, CreateProjectInput{OwnerID: f.owner.ID, Name: "Landing"})
	require.NoError(t, err)
	assert.Len(t, p.ID, 36)
	assert.Equal(t, []uint{f.owner.ID}, p.Collaborators)

	_, err = f.svc.Get(ctx, f.guest.ID, p.ID)
	assert.ErrorIs(t, err, ErrProjectForbidden)
	_, err = f.svc.Resolve(ctx, f.guest.ID, p.ID)
	assert.ErrorIs(t, err, ErrProjectForbidden)

	missing, err := f.svc.Resolve(ctx, f.guest.ID, "no-such-project")
	require.NoError(t, err)
	assert.Nil(t, missing)
	_, err = f.svc.Get(ctx, f.owner.ID, "no-such-project")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = f.svc.AddCollaborators(ctx, f.owner.ID, p.ID, []uint{9999})
	assert.ErrorIs(t, err, ErrInvalidInput)

	updated, err := f.svc.AddCollaborators(ctx, f.owner.ID, p.ID, []uint{f.guest.ID, f.guest.ID, 0})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{f.owner.ID, f.guest.ID}, updated.Collaborators)

	listed, err := f.svc.List(ctx, f.guest.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	err = f.svc.Delete(ctx, f.guest.ID, p.ID)
	assert.ErrorIs(t, err, ErrProjectForbidden)

	require.NoError(t, f.svc.Delete(ctx, f.owner.ID, p.ID))
	assert.Equal(t, []string{p.ID}, f.clearer.cleared)
	_, err = f.svc.Get(ctx, f.owner.ID, p.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestProjectFileTreeUpdates(t *testing.T) {
	ctx := context.Background()
	f := newProjectFixture(t)
	p, err := f.svc.Create(ctx, CreateProjectInput{OwnerID: f.owner.ID, Name: "api"})
	require.NoError(t, err)

	tree := model.FileTree{"index.js": {File: &model.FileLeaf{Contents: "console.log(1)"}}}
	got, err := f.svc.UpdateFileTree(ctx, f.owner.ID, p.ID, tree)
	require.NoError(t, err)
	assert.Equal(t, tree, got.FileTree)

	_, err = f.svc.UpdateFileTree(ctx, f.guest.ID, p.ID, tree)
	assert.ErrorIs(t, err, ErrProjectForbidden)

	_, err = f.svc.UpdateFileTree(ctx, f.owner.ID, p.ID, model.FileTree{"bad": {}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// last write wins
	second := model.FileTree{"main.js": {File: &model.FileLeaf{Contents: "2"}}}
	require.NoError(t, f.svc.SaveFileTree(ctx, p.ID, second))
	got, err = f.svc.Get(ctx, f.owner.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got.FileTree)

	assert.ErrorIs(t, f.svc.SaveFileTree(ctx, "no-such-project", second), ErrProjectNotFound)
}

func TestAIChatValidatesTurns(t *testing.T) {
	gen := &fakeGenerator{reply: `{"text":"done","fileTree":{"a.js":{"file":{"contents":"1"}}}}`}
	svc, err := NewAIService(gen, 3, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Chat(ctx, ChatInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Chat(ctx, ChatInput{Turns: []ai.ChatMessage{{Role: "robot", Content: "x"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Chat(ctx, ChatInput{Turns: []ai.ChatMessage{{Role: "user", Content: "  "}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	res, err := svc.Chat(ctx, ChatInput{Turns: []ai.ChatMessage{
		{Role: "System", Content: "sys"},
		{Role: "user", Content: "1"},
		{Role: "assistant", Content: "2"},
		{Role: "user", Content: "3"},
		{Role: "user", Content: "4"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Generation.Text)
	assert.True(t, res.Generation.HasFileTree())

	sent := gen.calls[len(gen.calls)-1]
	require.Len(t, sent, 3)
	assert.Equal(t, ai.RoleSystem, sent[0].Role)
	assert.Equal(t, "3", sent[1].Content)
	assert.Equal(t, "4", sent[2].Content)
}

func TestAIChatPropagatesUpstreamErrors(t *testing.T) {
	gen := &fakeGenerator{err: ai.ErrTimeout}
	svc, err := NewAIService(gen, 0, discardLogger())
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), ChatInput{Turns: []ai.ChatMessage{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, ai.ErrTimeout)
}

func TestAIStreamChat(t *testing.T) {
	gen := &fakeGenerator{reply: "hello"}
	svc, err := NewAIService(gen, 0, discardLogger())
	require.NoError(t, err)

	var chunks []string
	res, err := svc.StreamChat(context.Background(), ChatInput{Turns: []ai.ChatMessage{{Role: "user", Content: "hi"}}}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, []string{"hello"}, chunks)
}

func TestTemplateSelection(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		reply  string
		err    error
		prompt string
		want   string
	}{
		{"model says react", "React", nil, "make me something", TemplateReact},
		{"model says node", " node\n", nil, "make me something", TemplateNode},
		{"ambiguous falls back to keywords", "react or node", nil, "a landing page for my bakery", TemplateReact},
		{"upstream failure falls back", "", ai.ErrUnavailable, "a CLI that renames files", TemplateNode},
		{"keyword punctuation", "", ai.ErrTimeout, "todo UI, please", TemplateReact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewAIService(&fakeGenerator{reply: tt.reply, err: tt.err}, 0, discardLogger())
			require.NoError(t, err)

			res, err := svc.Template(ctx, tt.prompt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Kind)
			assert.Contains(t, res.FileTree, "package.json")
			assert.Contains(t, res.Prompt, tt.prompt)
		})
	}

	svc, err := NewAIService(&fakeGenerator{}, 0, discardLogger())
	require.NoError(t, err)
	_, err = svc.Template(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
