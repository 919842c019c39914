package conduit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/dbpool"
	"github.com/conduit-llm/conduit/pkg/engine"
	"github.com/conduit-llm/conduit/pkg/llms"
	"github.com/conduit-llm/conduit/pkg/middleware"
	"github.com/conduit-llm/conduit/pkg/model"
	"github.com/conduit-llm/conduit/pkg/odometer"
	"github.com/conduit-llm/conduit/pkg/protocol"
	"github.com/conduit-llm/conduit/pkg/session"
)

// echoClient answers every request with an assistant turn echoing the last
// user message. Safe for concurrent use so batch tests can share one.
type echoClient struct {
	mu       sync.Mutex
	calls    int
	inflight int
	maxSeen  int
	err      error
	delay    time.Duration
}

func (c *echoClient) Query(ctx context.Context, req *llms.GenerationRequest) (*llms.GenerationResponse, error) {
	c.mu.Lock()
	c.calls++
	c.inflight++
	if c.inflight > c.maxSeen {
		c.maxSeen = c.inflight
	}
	err := c.err
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == protocol.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	return &llms.GenerationResponse{
		Message:  protocol.NewAssistantMessage("echo: " + prompt),
		Request:  req,
		Metadata: llms.ResponseMetadata{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (c *echoClient) QueryStream(ctx context.Context, req *llms.GenerationRequest) (*llms.Stream, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return llms.NewStream(ch, func() {}), nil
}

func (c *echoClient) Tokenize(ctx context.Context, payload interface{}) (int, error) { return 0, nil }
func (c *echoClient) Provider() config.Provider                                      { return config.ProviderOpenAI }
func (c *echoClient) Close() error                                                   { return nil }

func newConduit(client *echoClient, opts ...Option) *Conduit {
	m := model.NewWithClient("gpt-4o-mini", client, llms.NewModelStore(nil))
	return New(engine.New(m), opts...)
}

func newTestRepository(t *testing.T) *session.Repository {
	t.Helper()
	r, err := session.Open(&config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "sessions.db"),
	}, "test")
	require.NoError(t, err)
	return r
}

func testParams() *config.GenerationParams {
	return &config.GenerationParams{Model: "gpt-4o-mini"}
}

func TestRenderPrompt(t *testing.T) {
	out, err := RenderPrompt("Hello {{.name}}, you are {{.age}}.",
		map[string]interface{}{"name": "Ada", "age": 36})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, you are 36.", out)
}

func TestRenderPrompt_MissingKey(t *testing.T) {
	_, err := RenderPrompt("Hello {{.name}}.", map[string]interface{}{})
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CodeValidationError, ce.Info.Code)
	assert.Equal(t, protocol.CategoryClient, ce.Info.Category)
}

func TestRenderPrompt_MalformedTemplate(t *testing.T) {
	_, err := RenderPrompt("Hello {{.name", nil)
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CodeValidationError, ce.Info.Code)
}

func TestConduit_RunRendersTemplate(t *testing.T) {
	client := &echoClient{}
	c := newConduit(client)

	conv, err := c.Run(context.Background(), "Summarize {{.topic}}.",
		map[string]interface{}{"topic": "bees"}, testParams(), nil)
	require.NoError(t, err)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Summarize bees.", conv.Messages[0].Content)
	assert.Equal(t, "echo: Summarize bees.", conv.Last().Content)
}

func TestConduit_RunStringSetsSystemPrompt(t *testing.T) {
	client := &echoClient{}
	c := newConduit(client)

	params := testParams()
	params.System = "Be terse."
	conv, err := c.RunString(context.Background(), "hi", params, nil)
	require.NoError(t, err)

	require.Len(t, conv.Messages, 3)
	assert.Equal(t, protocol.RoleSystem, conv.Messages[0].Role)
	assert.Equal(t, "Be terse.", conv.Messages[0].Content)
}

func TestConduit_RunSync(t *testing.T) {
	c := newConduit(&echoClient{})

	conv, err := c.RunSync("ping", nil, testParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", conv.Last().Content)
}

func TestConduit_PersistsOnSuccess(t *testing.T) {
	repo := newTestRepository(t)
	c := newConduit(&echoClient{}, WithRepository(repo))

	conv, err := c.RunString(context.Background(), "hi", testParams(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, conv.Session)

	saved, err := repo.Last(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, conv.ID, saved.ID)
	assert.Len(t, saved.Messages, 2)
}

func TestConduit_FailedRunNotPersisted(t *testing.T) {
	repo := newTestRepository(t)
	client := &echoClient{err: protocol.NewServerError(protocol.CodeProvider5xx, "upstream down")}
	c := newConduit(client, WithRepository(repo))

	_, err := c.RunString(context.Background(), "hi", testParams(), nil)
	require.Error(t, err)

	saved, err := repo.Last(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestConduit_ResumeContinuesLastSession(t *testing.T) {
	repo := newTestRepository(t)
	c := newConduit(&echoClient{}, WithRepository(repo))
	ctx := context.Background()

	first, err := c.RunString(ctx, "first question", testParams(), nil)
	require.NoError(t, err)

	second, err := c.RunString(ctx, "second question", testParams(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, second.Messages, 4)
	assert.Equal(t, "second question", second.Messages[2].Content)
}

func TestConduit_OverwriteStartsFresh(t *testing.T) {
	repo := newTestRepository(t)
	c := newConduit(&echoClient{}, WithRepository(repo))
	ctx := context.Background()

	first, err := c.RunString(ctx, "first", testParams(), nil)
	require.NoError(t, err)

	second, err := c.RunString(ctx, "second", testParams(),
		&config.Options{PersistenceMode: config.PersistenceOverwrite})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, second.Messages, 2)
}

func TestConduit_CrashRecoveryDropsTrailingUserTurn(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	// A prior run died after persisting its prompt but before the reply.
	crashed := protocol.NewConversation("test")
	crashed.Append(protocol.NewUserMessage("old question"))
	crashed.Append(protocol.NewAssistantMessage("old answer"))
	crashed.Append(protocol.NewUserMessage("unanswered"))
	require.NoError(t, repo.SaveSession(ctx, crashed, "s1"))

	c := newConduit(&echoClient{}, WithRepository(repo))
	conv, err := c.RunString(ctx, "new question", testParams(), nil)
	require.NoError(t, err)

	require.Len(t, conv.Messages, 4)
	for _, msg := range conv.Messages {
		assert.NotEqual(t, "unanswered", msg.Content)
	}
	assert.Equal(t, "new question", conv.Messages[2].Content)
}

func TestConduit_ResumeKeepsStoredSystemPrompt(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	// A prior run established the system prompt and died mid-turn.
	prior := protocol.NewConversation("test")
	prior.SetSystem("Be terse.")
	prior.Append(protocol.NewUserMessage("first question"))
	prior.Append(protocol.NewAssistantMessage("first answer"))
	prior.Append(protocol.NewUserMessage("unanswered"))
	require.NoError(t, repo.SaveSession(ctx, prior, "s1"))

	// A resumed run without a system prompt of its own must not erase the
	// stored one.
	c := newConduit(&echoClient{}, WithRepository(repo))
	conv, err := c.RunString(ctx, "second question", testParams(), nil)
	require.NoError(t, err)

	require.Len(t, conv.Messages, 5)
	assert.Equal(t, protocol.RoleSystem, conv.Messages[0].Role)
	assert.Equal(t, "Be terse.", conv.Messages[0].Content)
	assert.Equal(t, "second question", conv.Messages[3].Content)
}

func TestConduit_ResumeReplacesSystemPromptWhenGiven(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	prior := protocol.NewConversation("test")
	prior.SetSystem("Be terse.")
	prior.Append(protocol.NewUserMessage("first question"))
	prior.Append(protocol.NewAssistantMessage("first answer"))
	require.NoError(t, repo.SaveSession(ctx, prior, "s1"))

	c := newConduit(&echoClient{}, WithRepository(repo))
	params := testParams()
	params.System = "Be verbose."
	conv, err := c.RunString(ctx, "second question", params, nil)
	require.NoError(t, err)

	require.Len(t, conv.Messages, 5)
	assert.Equal(t, protocol.RoleSystem, conv.Messages[0].Role)
	assert.Equal(t, "Be verbose.", conv.Messages[0].Content)
}

func TestBatch_Validate(t *testing.T) {
	c := newConduit(&echoClient{})
	ctx := context.Background()

	cases := []*Batch{
		{},
		{Prompt: "hi {{.x}}", Inputs: []map[string]interface{}{{"x": 1}}, Prompts: []string{"hi"}},
		{Prompt: "hi {{.x}}"},
		{Inputs: []map[string]interface{}{{"x": 1}}},
	}
	for _, batch := range cases {
		_, err := c.RunBatch(ctx, batch, testParams(), nil)
		require.Error(t, err)

		var ce *protocol.ConduitError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, protocol.CodeValidationError, ce.Info.Code)
	}
}

func TestBatch_ResultsPreserveInputOrder(t *testing.T) {
	c := newConduit(&echoClient{})

	batch := &Batch{MaxConcurrent: 3}
	for i := 0; i < 8; i++ {
		batch.Prompts = append(batch.Prompts, fmt.Sprintf("prompt %d", i))
	}

	results, err := c.RunBatch(context.Background(), batch, testParams(), nil)
	require.NoError(t, err)
	require.Len(t, results, 8)

	for i, conv := range results {
		assert.Equal(t, fmt.Sprintf("echo: prompt %d", i), conv.Last().Content)
	}
}

func TestBatch_BoundedConcurrency(t *testing.T) {
	client := &echoClient{delay: 20 * time.Millisecond}
	c := newConduit(client)

	batch := &Batch{
		Prompts:       []string{"a", "b", "c", "d", "e", "f"},
		MaxConcurrent: 2,
	}
	_, err := c.RunBatch(context.Background(), batch, testParams(), nil)
	require.NoError(t, err)

	assert.Equal(t, 6, client.calls)
	assert.LessOrEqual(t, client.maxSeen, 2)
}

func TestBatch_TemplateRendersPerInput(t *testing.T) {
	c := newConduit(&echoClient{})

	batch := &Batch{
		Prompt: "Describe {{.animal}}.",
		Inputs: []map[string]interface{}{
			{"animal": "foxes"},
			{"animal": "owls"},
		},
	}
	results, err := c.RunBatch(context.Background(), batch, testParams(), nil)
	require.NoError(t, err)

	assert.Equal(t, "echo: Describe foxes.", results[0].Last().Content)
	assert.Equal(t, "echo: Describe owls.", results[1].Last().Content)
}

func TestBatch_RenderFailureIsFailSoft(t *testing.T) {
	c := newConduit(&echoClient{})

	batch := &Batch{
		Prompt: "Describe {{.animal}}.",
		Inputs: []map[string]interface{}{
			{"animal": "foxes"},
			{"wrong_key": "owls"},
		},
	}
	results, err := c.RunBatch(context.Background(), batch, testParams(), nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "echo: Describe foxes.", results[0].Last().Content)

	failed := results[1].Last()
	require.NotNil(t, failed.Error)
	assert.Equal(t, protocol.CodeValidationError, failed.Error.Info.Code)
}

func TestBatch_DoesNotPersist(t *testing.T) {
	repo := newTestRepository(t)
	c := newConduit(&echoClient{}, WithRepository(repo))

	_, err := c.RunBatch(context.Background(),
		&Batch{Prompts: []string{"a", "b"}}, testParams(), nil)
	require.NoError(t, err)

	saved, err := repo.Last(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestBatch_FlushesTelemetryOnce(t *testing.T) {
	db, err := dbpool.NewManager().Get(&config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "odometer.db"),
	})
	require.NoError(t, err)
	durable, err := odometer.NewSQLOdometer(db, "sqlite3")
	require.NoError(t, err)

	registry := odometer.NewRegistry(nil, durable, nil)
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	chain := middleware.New(
		middleware.WithTelemetry(registry),
		middleware.WithProvider("openai"),
		middleware.WithOutput(io.Discard),
	)
	m := model.NewWithClient("gpt-4o-mini", &echoClient{}, llms.NewModelStore(nil))
	c := New(engine.New(m, engine.WithChain(chain)), WithTelemetry(registry))

	_, err = c.RunBatch(context.Background(),
		&Batch{Prompts: []string{"a", "b", "c"}}, testParams(), nil)
	require.NoError(t, err)

	// The batch flushed: all three events reached the durable store without
	// an explicit caller-side flush.
	stats, err := durable.GetOverallStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 3, registry.Memory().Stats().Totals.Events)
}
