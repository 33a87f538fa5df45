package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/engine"
	"github.com/xela07ax/honeyshield/internal/normalizer"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	got     []normalizer.RawEvent
	ingress []string
	result  func(raw normalizer.RawEvent) (engine.Result, error)
}

func (f *fakeSubmitter) Submit(_ context.Context, raw normalizer.RawEvent, ingress string) (<-chan engine.Result, error) {
	f.mu.Lock()
	f.got = append(f.got, raw)
	f.ingress = append(f.ingress, ingress)
	f.mu.Unlock()

	res := engine.Result{EventID: normalizer.NaturalID(raw)}
	if f.result != nil {
		var err error
		if res, err = f.result(raw); err != nil {
			return nil, err
		}
	}
	ch := make(chan engine.Result, 1)
	ch <- res
	return ch, nil
}

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestDecode(t *testing.T) {
	raw, err := Decode([]byte(`{"event_id": 9007199254740993, "action": "read"}`))
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", normalizer.NaturalID(raw))

	var malformed *domain.MalformedEventError
	_, err = Decode([]byte(`{"event_id":`))
	assert.ErrorAs(t, err, &malformed)
	_, err = Decode([]byte(`null`))
	assert.ErrorAs(t, err, &malformed)
}

func TestNATSSubscriber_Handle(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewNATSSubscriber(nil, "events", "shield", sub, zap.NewNop())

	s.handle(context.Background(), &nats.Msg{Subject: "events", Data: []byte(`{"event_id":"e-1"}`)})
	s.handle(context.Background(), &nats.Msg{Subject: "events", Data: []byte(`not json`)})

	require.Equal(t, 1, sub.calls())
	assert.Equal(t, "nats", sub.ingress[0])
}

type failingSubscriber struct{}

func (failingSubscriber) QueueSubscribe(string, string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, nats.ErrConnectionClosed
}

func TestNATSSubscriber_SubscribeError(t *testing.T) {
	s := NewNATSSubscriber(failingSubscriber{}, "events", "shield", &fakeSubmitter{}, zap.NewNop())
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaConsumer_CommitsAfterProcessing(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: []byte(`{"event_id":"e-1"}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"event_id":"e-3"}`)},
	}}
	sub := &fakeSubmitter{}
	c := NewKafkaConsumer(reader, sub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.Equal(t, 2, sub.calls())
	assert.True(t, reader.closed)
}

func TestKafkaConsumer_StopsWithoutCommitOnShutdown(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Offset: 7, Value: []byte(`{"event_id":"e-7"}`)}}}
	sub := &fakeSubmitter{result: func(raw normalizer.RawEvent) (engine.Result, error) {
		return engine.Result{Err: engine.ErrStopped}, nil
	}}

	err := NewKafkaConsumer(reader, sub, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reader.commits())
}

func dialIngest(t *testing.T, sub Submitter) grpc.ClientConnInterface {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewGRPCServer(sub, zap.NewNop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCServer_Submit(t *testing.T) {
	sub := &fakeSubmitter{result: func(raw normalizer.RawEvent) (engine.Result, error) {
		if raw["action"] == nil {
			return engine.Result{}, &domain.MalformedEventError{Field: "action", Reason: "missing"}
		}
		return engine.Result{EventID: normalizer.NaturalID(raw), Duplicate: raw["event_id"] == "dup"}, nil
	}}
	conn := dialIngest(t, sub)

	call := func(m map[string]interface{}) map[string]interface{} {
		in, err := structpb.NewStruct(m)
		require.NoError(t, err)
		out := &structpb.Struct{}
		require.NoError(t, conn.Invoke(context.Background(), SubmitMethod, in, out))
		return out.AsMap()
	}

	ok := call(map[string]interface{}{"event_id": "e-1", "action": "read"})
	assert.Equal(t, "e-1", ok["event_id"])
	assert.Equal(t, float64(0), ok["status_code"])

	dup := call(map[string]interface{}{"event_id": "dup", "action": "read"})
	assert.Equal(t, true, dup["duplicate"])

	bad := call(map[string]interface{}{"event_id": "e-2"})
	assert.Equal(t, float64(400), bad["status_code"])
	assert.NotEmpty(t, bad["error_message"])

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, []string{"grpc", "grpc", "grpc"}, sub.ingress)
}

func TestGRPCServer_SubmitFailure(t *testing.T) {
	sub := &fakeSubmitter{result: func(normalizer.RawEvent) (engine.Result, error) {
		return engine.Result{}, errors.New("queue closed")
	}}
	in, _ := structpb.NewStruct(map[string]interface{}{"event_id": "e-1", "action": "read"})
	out, err := NewGRPCServer(sub, zap.NewNop()).Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, float64(500), out.AsMap()["status_code"])
}
