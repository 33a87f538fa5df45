// Package ingest — каналы доставки событий в конвейер: NATS, Kafka и gRPC.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/engine"
	"github.com/xela07ax/honeyshield/internal/normalizer"
)

// Submitter — вход конвейера.
type Submitter interface {
	Submit(ctx context.Context, raw normalizer.RawEvent, ingress string) (<-chan engine.Result, error)
}

// Decode разбирает JSON-запись. Числа остаются json.Number, чтобы не терять точность id.
func Decode(data []byte) (normalizer.RawEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw normalizer.RawEvent
	if err := dec.Decode(&raw); err != nil {
		return nil, &domain.MalformedEventError{Field: "record", Reason: err.Error()}
	}
	if raw == nil {
		return nil, &domain.MalformedEventError{Field: "record", Reason: "empty"}
	}
	return raw, nil
}
