package invoker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corpnet/llmgateway/internal/config"
	"github.com/corpnet/llmgateway/internal/models"
	"github.com/corpnet/llmgateway/internal/observability"
)

// tracer spans each outbound call to the model provider, grounded on the
// teacher's pkg/observability tracing seam (§6, DOMAIN STACK: otel/trace
// "span creation around C6 remote calls").
var tracer = otel.Tracer("llmgateway/invoker")

// InvokeModelAPI is the slice of *bedrockruntime.Client this package
// depends on. Narrowing to an interface lets tests substitute a fake
// without reaching into the SDK's HTTP transport, mirroring the way the
// teacher's Adapter wraps a concrete client behind adapters.Adapter.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Invoker is the Remote Invoker (C6): it encodes a request into the wire
// shape its model family speaks, calls the provider, decodes the
// response, and classifies any failure into the gateway's ErrorKind
// taxonomy.
//
// Grounded on internal/adapters/bedrock/bedrock.go's generateCompletion
// (InvokeModelInput{ModelId, Body, ContentType}, provider-keyed
// encode/decode), with CallWithRetry intentionally left to C7 (the
// circuit breaker/retry component) rather than duplicated here, since
// §9 requires the deadline-bounded retry budget to live in one place.
type Invoker struct {
	client    InvokeModelAPI
	timeouts  config.TimeoutProfile
	logger    observability.Logger
}

// NewInvoker builds an Invoker bound to client, obtained by the caller
// from the Session Manager (§4.2, §4.6).
func NewInvoker(client InvokeModelAPI, timeouts config.TimeoutProfile, logger observability.Logger) *Invoker {
	return &Invoker{client: client, timeouts: timeouts, logger: logger}
}

// Generate invokes a chat/text-completion model (§4.6 shapes 1-2).
func (inv *Invoker) Generate(ctx context.Context, req models.Request) (models.Response, error) {
	start := time.Now()

	family, ok := FamilyOf(req.ModelID)
	if !ok {
		return models.Response{}, models.NewError(models.ErrClient, "model id does not match any registered family")
	}

	body, err := encodeRequest(family, req)
	if err != nil {
		return models.Response{}, err
	}

	out, err := inv.invoke(ctx, req.ModelID, body)
	if err != nil {
		return models.Response{}, err
	}

	content, usage, hasUsage, err := decodeResponse(family, out)
	if err != nil {
		return models.Response{}, err
	}
	if !hasUsage {
		usage = estimateUsage(req.Prompt, content)
	}

	return models.Response{
		Content:          content,
		Success:          true,
		ModelUsed:        req.ModelID,
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		TokenUsage:       usage,
	}, nil
}

// Embed invokes an embedding model (§4.6 shape 3).
func (inv *Invoker) Embed(ctx context.Context, modelID, text string) ([]float32, error) {
	family, ok := FamilyOf(modelID)
	if !ok {
		return nil, models.NewError(models.ErrClient, "model id does not match any registered family")
	}
	if family != FamilyTitanEmbedding {
		return nil, models.NewError(models.ErrClient, "model id does not resolve to an embedding family")
	}

	body, err := encodeEmbedRequest(text)
	if err != nil {
		return nil, err
	}

	out, err := inv.invoke(ctx, modelID, body)
	if err != nil {
		return nil, err
	}

	return decodeEmbedResponse(out)
}

// invoke bounds the call by the configured read/write timeout (never
// exceeding the caller's own deadline) and classifies the outcome per
// the §4.6 error table.
func (inv *Invoker) invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "invoker.InvokeModel", trace.WithAttributes(
		attribute.String("model_id", modelID),
		attribute.String("request_id", observability.GetRequestID(ctx)),
	))
	defer span.End()

	readWrite := inv.timeouts.ReadWrite
	if readWrite <= 0 {
		readWrite = 300 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, readWrite)
	defer cancel()

	out, err := inv.client.InvokeModel(callCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     &modelID,
		Body:        body,
		ContentType: stringPtr("application/json"),
	})
	if err != nil {
		span.RecordError(err)
		return nil, classifyInvokeErr(callCtx, err)
	}
	return out.Body, nil
}

// estimateUsage falls back to the §4.6 len/4 heuristic when the provider
// does not report usage.
func estimateUsage(prompt, content string) models.TokenUsage {
	input := len(prompt) / 4
	output := len(content) / 4
	return models.TokenUsage{Input: input, Output: output, Total: input + output}
}

// classifyInvokeErr maps a Bedrock InvokeModel failure into an ErrorKind
// per §4.6's table: network/DNS -> Transient, 5xx -> Transient,
// 429 -> RateLimited, other 4xx -> ClientError, deadline exceeded ->
// Timeout.
func classifyInvokeErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return models.WrapError(models.ErrTimeout, "model provider call exceeded its deadline", err)
	}
	if ctx.Err() == context.Canceled {
		return models.WrapError(models.ErrCancelled, "model provider call was cancelled", err)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 429:
			return models.WrapError(models.ErrRateLimited, "model provider reported rate limiting", err)
		case status >= 500:
			return models.WrapError(models.ErrTransient, "model provider returned a server error", err)
		case status >= 400:
			return models.WrapError(models.ErrClient, "model provider rejected the request", err)
		}
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	if errors.As(err, &dnsErr) || errors.As(err, &netErr) {
		return models.WrapError(models.ErrTransient, "network error calling model provider", err)
	}

	return models.WrapError(models.ErrTransient, "model provider call failed", err)
}

func stringPtr(s string) *string { return &s }
