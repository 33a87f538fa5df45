package connectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/reliability"
	"github.com/xela07ax/honeyshield/internal/scoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeConn struct {
	method string
	req    *structpb.Struct
	reply  map[string]interface{}
	err    error
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	s, err := structpb.NewStruct(f.reply)
	if err != nil {
		return err
	}
	out := reply.(*structpb.Struct)
	out.Fields = s.Fields
	return nil
}

func (f *fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not supported")
}

func sampleRequest() scoring.ClassificationRequest {
	return scoring.ClassificationRequest{
		Event: &domain.SecurityEvent{
			ID:             "e1",
			SourceIdentity: "203.0.113.5",
			Action:         domain.ActionRead,
			OriginTag:      "decoy:hp-1",
			Timestamp:      time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		Profile: scoring.ProfileSummary{SourceIdentity: "203.0.113.5", EventCount: 3, Tools: []string{"sqlmap"}},
	}
}

func TestGRPCClassifier_Success(t *testing.T) {
	conn := &fakeConn{reply: map[string]interface{}{
		"category":   "exfiltration",
		"confidence": 0.9,
		"reasoning":  "bulk read",
	}}
	c := NewGRPCClassifier(conn, "/honeyshield.classifier.v1.Classifier/Classify")

	res, err := c.Classify(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryExfiltration, res.Category)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, "bulk read", res.Reasoning)

	assert.Equal(t, "/honeyshield.classifier.v1.Classifier/Classify", conn.method)
	ev := conn.req.GetFields()["event"].GetStructValue().GetFields()
	assert.Equal(t, "203.0.113.5", ev["source_identity"].GetStringValue())
	assert.Equal(t, "decoy:hp-1", ev["origin_tag"].GetStringValue())
}

func TestGRPCClassifier_StatusInReply(t *testing.T) {
	conn := &fakeConn{reply: map[string]interface{}{"status_code": 503.0, "error_message": "model warming up"}}
	_, err := NewGRPCClassifier(conn, "/m").Classify(context.Background(), sampleRequest())

	var unavailable *domain.ClassificationUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Contains(t, err.Error(), "model warming up")
}

func TestGRPCClassifier_MapsTransportErrors(t *testing.T) {
	_, err := NewGRPCClassifier(&fakeConn{err: status.Error(codes.DeadlineExceeded, "slow")}, "/m").
		Classify(context.Background(), sampleRequest())
	var timeout *domain.ClassificationTimeoutError
	assert.True(t, errors.As(err, &timeout))

	_, err = NewGRPCClassifier(&fakeConn{err: status.Error(codes.Unavailable, "down")}, "/m").
		Classify(context.Background(), sampleRequest())
	var unavailable *domain.ClassificationUnavailableError
	assert.True(t, errors.As(err, &unavailable))
}

func TestGuarded_OpenBreakerIsUnavailable(t *testing.T) {
	guard := reliability.NewGuard(reliability.Settings{Name: "classifier", ConsecutiveFailures: 1, OpenTimeout: time.Minute}, nil)
	calls := 0
	failing := scoring.ClassifierFunc(func(ctx context.Context, req scoring.ClassificationRequest) (*scoring.Classification, error) {
		calls++
		return nil, errors.New("boom")
	})
	g := NewGuarded(failing, guard)

	for i := 0; i < 2; i++ {
		_, err := g.Classify(context.Background(), sampleRequest())
		require.Error(t, err)
	}
	_, err := g.Classify(context.Background(), sampleRequest())
	var unavailable *domain.ClassificationUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 2, calls)
}

func TestMockClassifier(t *testing.T) {
	m := &MockClassifier{}
	req := sampleRequest()

	res, err := m.Classify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryExfiltration, res.Category)

	req.Event.Operation = "unstable.service"
	_, err = m.Classify(context.Background(), req)
	assert.Error(t, err)

	slow := &MockClassifier{MinLatency: time.Second, MaxLatency: 2 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Classify(ctx, sampleRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
