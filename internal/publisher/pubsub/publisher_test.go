package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pubsub "cloud.google.com/go/pubsub/v2"
)

type jobEvent struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

func (e jobEvent) Attributes() map[string]string {
	return map[string]string{"job_id": e.JobID, "stage": e.Stage}
}

func fakeServer(t *testing.T) (*pstest.Server, option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, option.WithGRPCConn(conn)
}

func createTopic(t *testing.T, ctx context.Context, opt option.ClientOption, project, topic string) {
	t.Helper()
	client, err := pubsub.NewClient(ctx, project, opt)
	require.NoError(t, err)
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: fullTopicName(project, topic)})
	require.NoError(t, err)
}

func TestPublishCarriesAttributesAndTraceContext(t *testing.T) {
	ctx := context.Background()
	srv, opt := fakeServer(t)
	createTopic(t, ctx, opt, "proj", "job-events")

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(ctx, "publish")
	defer span.End()

	pub, err := Dial(ctx, "proj", "job-events", opt)
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "ignored", jobEvent{JobID: "job-1", Stage: "job.completed"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got jobEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "job-1", msgs[0].Attributes["job_id"])
	assert.Equal(t, "job.completed", msgs[0].Attributes["stage"])
	assert.NotEmpty(t, msgs[0].Attributes["traceparent"])
}

func TestDialMissingTopic(t *testing.T) {
	t.Parallel()
	_, opt := fakeServer(t)

	_, err := Dial(context.Background(), "proj", "nope", opt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestPublishUnconfigured(t *testing.T) {
	t.Parallel()
	_, err := New(nil).Publish(context.Background(), "t", "payload")
	require.Error(t, err)
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, opt := fakeServer(t)
	createTopic(t, ctx, opt, "proj", "t")
	pub, err := Dial(ctx, "proj", "t", opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.Publish(ctx, "t", map[string]any{"bad": make(chan int)})
	require.ErrorContains(t, err, "marshal payload")
}
