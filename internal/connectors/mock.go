package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/scoring"
)

// MockClassifier имитирует удаленный классификатор для локального запуска.
type MockClassifier struct {
	MinLatency time.Duration
	MaxLatency time.Duration
}

func (c *MockClassifier) Classify(ctx context.Context, req scoring.ClassificationRequest) (*scoring.Classification, error) {
	// Имитируем задержку 50-300мс
	latency := c.MinLatency
	if spread := c.MaxLatency - c.MinLatency; spread > 0 {
		latency += time.Duration(rand.Int64N(int64(spread)))
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if req.Event == nil {
		return nil, fmt.Errorf("mock classifier: empty event")
	}
	if req.Event.Operation == "unstable.service" {
		return nil, fmt.Errorf("service internal error")
	}

	switch req.Event.Action {
	case domain.ActionAdmin, domain.ActionDelete:
		return &scoring.Classification{Category: domain.CategoryExploitation, Confidence: 0.8, Reasoning: "privileged mutation"}, nil
	case domain.ActionRead:
		if req.Event.IsDecoy() || len(req.Profile.Tools) > 0 {
			return &scoring.Classification{Category: domain.CategoryExfiltration, Confidence: 0.6, Reasoning: "data access by flagged source"}, nil
		}
	case domain.ActionList, domain.ActionDescribe:
		if req.Profile.EventCount > 10 {
			return &scoring.Classification{Category: domain.CategoryReconnaissance, Confidence: 0.7, Reasoning: "enumeration"}, nil
		}
	}
	return &scoring.Classification{Category: domain.CategoryBenign, Confidence: 0.5}, nil
}
