package invoker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

type fakeInvokeModelAPI struct {
	body []byte
	err  error
}

func (f *fakeInvokeModelAPI) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func newTestInvoker(api InvokeModelAPI) *Invoker {
	return NewInvoker(api, config.TimeoutProfile{ReadWrite: 5 * time.Second}, observability.NewNoopLogger())
}

func TestGenerateClaudeChatEndToEnd(t *testing.T) {
	api := &fakeInvokeModelAPI{body: []byte(`{"content":[{"text":"generated text"}],"usage":{"input_tokens":3,"output_tokens":2}}`)}
	inv := newTestInvoker(api)

	resp, err := inv.Generate(context.Background(), models.Request{
		Prompt:  "hello",
		ModelID: "anthropic.claude-3-sonnet",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "generated text", resp.Content)
	assert.Equal(t, 5, resp.TokenUsage.Total)
}

func TestGenerateEstimatesUsageWhenProviderOmitsIt(t *testing.T) {
	api := &fakeInvokeModelAPI{body: []byte(`{"results":[{"outputText":"ok"}]}`)}
	inv := newTestInvoker(api)

	resp, err := inv.Generate(context.Background(), models.Request{
		Prompt:  "a prompt twelve chars",
		ModelID: "amazon.titan-text-lite-v1",
	})
	require.NoError(t, err)
	assert.Equal(t, len("a prompt twelve chars")/4, resp.TokenUsage.Input)
	assert.Equal(t, len("ok")/4, resp.TokenUsage.Output)
}

func TestGenerateRejectsUnregisteredFamily(t *testing.T) {
	inv := newTestInvoker(&fakeInvokeModelAPI{})
	_, err := inv.Generate(context.Background(), models.Request{ModelID: "cohere.command-r-v1"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestEmbedRejectsNonEmbeddingFamily(t *testing.T) {
	inv := newTestInvoker(&fakeInvokeModelAPI{})
	_, err := inv.Embed(context.Background(), "anthropic.claude-3-sonnet", "text")
	require.Error(t, err)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestEmbedDecodesVector(t *testing.T) {
	api := &fakeInvokeModelAPI{body: []byte(`{"embedding":[0.5,0.25]}`)}
	inv := newTestInvoker(api)

	vec, err := inv.Embed(context.Background(), "amazon.titan-embed-text-v1", "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
}

func TestInvokeClassifiesRateLimitResponse(t *testing.T) {
	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 429}},
		Err:      errors.New("throttled"),
	}
	inv := newTestInvoker(&fakeInvokeModelAPI{err: respErr})

	_, err := inv.Generate(context.Background(), models.Request{ModelID: "anthropic.claude-3-sonnet"})
	require.Error(t, err)
	assert.Equal(t, models.ErrRateLimited, models.KindOf(err))
}

func TestInvokeClassifiesServerErrorAsTransient(t *testing.T) {
	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 503}},
		Err:      errors.New("unavailable"),
	}
	inv := newTestInvoker(&fakeInvokeModelAPI{err: respErr})

	_, err := inv.Generate(context.Background(), models.Request{ModelID: "anthropic.claude-3-sonnet"})
	require.Error(t, err)
	assert.Equal(t, models.ErrTransient, models.KindOf(err))
}

func TestInvokeClassifiesClientErrorResponse(t *testing.T) {
	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 400}},
		Err:      errors.New("bad request"),
	}
	inv := newTestInvoker(&fakeInvokeModelAPI{err: respErr})

	_, err := inv.Generate(context.Background(), models.Request{ModelID: "anthropic.claude-3-sonnet"})
	require.Error(t, err)
	assert.Equal(t, models.ErrClient, models.KindOf(err))
}

func TestInvokeClassifiesDeadlineExceeded(t *testing.T) {
	inv := newTestInvoker(&fakeInvokeModelAPI{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := inv.Generate(ctx, models.Request{ModelID: "anthropic.claude-3-sonnet"})
	require.Error(t, err)
	assert.Equal(t, models.ErrTimeout, models.KindOf(err))
}
