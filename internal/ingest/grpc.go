package ingest

import (
	"context"
	"errors"

	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/normalizer"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// SubmitMethod — полное имя метода приема событий.
const SubmitMethod = "/honeyshield.ingest.v1.Ingest/Submit"

// GRPCServer принимает события от сенсоров по gRPC. Запрос — запись сенсора в google.protobuf.Struct,
// ответ — {event_id, duplicate, status_code, error_message}.
type GRPCServer struct {
	pipeline Submitter
	logger   *zap.Logger
}

func NewGRPCServer(pipeline Submitter, logger *zap.Logger) *GRPCServer {
	return &GRPCServer{pipeline: pipeline, logger: logger.With(zap.String("mod", "ingest-grpc"))}
}

// Register регистрирует сервис на сервере.
func (s *GRPCServer) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&ingestServiceDesc, s)
}

// Submit ставит событие в конвейер и не ждет результата обработки.
func (s *GRPCServer) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// 1. Protobuf Struct -> сырая запись
	raw := normalizer.RawEvent(req.AsMap())

	// 2. Конвейер
	done, err := s.pipeline.Submit(ctx, raw, "grpc")
	if err != nil {
		var malformed *domain.MalformedEventError
		code := 500
		if errors.As(err, &malformed) {
			code = 400
		} else {
			s.logger.Error("submit failed", zap.Error(err))
		}
		return reply("", false, code, err.Error())
	}

	// 3. Дубликат отвечает сразу, остальные события обрабатываются асинхронно
	select {
	case res := <-done:
		if res.Err != nil {
			return reply(res.EventID, res.Duplicate, 500, res.Err.Error())
		}
		return reply(res.EventID, res.Duplicate, 0, "")
	default:
		return reply(normalizer.NaturalID(raw), false, 0, "")
	}
}

func reply(eventID string, duplicate bool, code int, msg string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"event_id":      eventID,
		"duplicate":     duplicate,
		"status_code":   code,
		"error_message": msg,
	})
}

type ingestService interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ingestService).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ingestService).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: "honeyshield.ingest.v1.Ingest",
	HandlerType: (*ingestService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "honeyshield/ingest/v1/ingest.proto",
}
