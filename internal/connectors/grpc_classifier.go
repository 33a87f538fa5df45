// Package connectors содержит адаптеры внешних возможностей: удаленный классификатор по gRPC,
// защищенную обертку и тестовый классификатор для локального запуска.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/reliability"
	"github.com/xela07ax/honeyshield/internal/scoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCClassifier вызывает удаленный классификатор. Запрос и ответ — google.protobuf.Struct,
// поэтому сгенерированный клиент не нужен.
type GRPCClassifier struct {
	conn   grpc.ClientConnInterface
	method string
}

func NewGRPCClassifier(conn grpc.ClientConnInterface, method string) *GRPCClassifier {
	return &GRPCClassifier{conn: conn, method: method}
}

// Dial открывает соединение без TLS (сеть сервиса внутренняя).
func Dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("classifier: dial %s: %w", target, err)
	}
	return conn, nil
}

func (c *GRPCClassifier) Classify(ctx context.Context, req scoring.ClassificationRequest) (*scoring.Classification, error) {
	// 1. JSON -> Protobuf Struct
	in, err := toStruct(req)
	if err != nil {
		return nil, &domain.ClassificationUnavailableError{Cause: err}
	}

	// 2. Вызов
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, c.method, in, out); err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded, codes.Canceled:
			return nil, &domain.ClassificationTimeoutError{}
		default:
			return nil, &domain.ClassificationUnavailableError{Cause: fmt.Errorf("classifier call failed: %w", err)}
		}
	}

	// 3. Ошибка внутри ответа
	fields := out.GetFields()
	if code := fields["status_code"].GetNumberValue(); code != 0 {
		return nil, &domain.ClassificationUnavailableError{
			Cause: fmt.Errorf("classifier returned error [%d]: %s", int(code), fields["error_message"].GetStringValue()),
		}
	}

	return &scoring.Classification{
		Category:   domain.Category(fields["category"].GetStringValue()),
		Confidence: fields["confidence"].GetNumberValue(),
		Reasoning:  fields["reasoning"].GetStringValue(),
	}, nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}
	return s, nil
}

// Guarded пропускает вызовы классификатора через лимитер и предохранитель.
type Guarded struct {
	next  scoring.Classifier
	guard *reliability.Guard
}

func NewGuarded(next scoring.Classifier, guard *reliability.Guard) *Guarded {
	return &Guarded{next: next, guard: guard}
}

func (g *Guarded) Classify(ctx context.Context, req scoring.ClassificationRequest) (*scoring.Classification, error) {
	var res *scoring.Classification
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = g.next.Classify(ctx, req)
		return callErr
	})
	if err != nil {
		if reliability.IsOpen(err) {
			return nil, &domain.ClassificationUnavailableError{Cause: err}
		}
		return nil, err
	}
	return res, nil
}
