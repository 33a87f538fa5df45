package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/honeyshield/internal/domain"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeChannel struct {
	name  string
	fails int32 // сколько первых вызовов падают
	calls atomic.Int32
	mu    sync.Mutex
	got   []*domain.Alert
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, a *domain.Alert) error {
	n := c.calls.Add(1)
	if n <= c.fails {
		return errors.New("channel down")
	}
	c.mu.Lock()
	c.got = append(c.got, a)
	c.mu.Unlock()
	return nil
}

type memJournal struct {
	mu     sync.Mutex
	alerts []*domain.Alert
}

func (j *memJournal) LogAlert(a *domain.Alert) {
	j.mu.Lock()
	j.alerts = append(j.alerts, a)
	j.mu.Unlock()
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func subject(identity string, score float64, category domain.Category) (*domain.AttackerProfile, *domain.ThreatAssessment) {
	a := &domain.ThreatAssessment{
		ID:             "a-" + identity + "-" + string(category),
		SourceIdentity: identity,
		Score:          score,
		Category:       category,
		Level:          domain.LevelForScore(score),
		ObservedAt:     t0,
	}
	p := domain.NewAttackerProfile(identity)
	p.AssessmentHistory = append(p.AssessmentHistory, a)
	return p, a
}

func newDispatcher(c *clock, channels ...Channel) (*Dispatcher, *memJournal) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	j := &memJournal{}
	return NewDispatcher(cfg, channels, zap.NewNop(), WithClock(c.Now), WithJournal(j)), j
}

func TestDedupeKey_IsStable(t *testing.T) {
	a := DedupeKey("203.0.113.5", domain.CategoryReconnaissance)
	assert.Equal(t, a, DedupeKey("203.0.113.5", domain.CategoryReconnaissance))
	assert.NotEqual(t, a, DedupeKey("203.0.113.5", domain.CategoryExploitation))
	assert.NotEqual(t, a, DedupeKey("203.0.113.6", domain.CategoryReconnaissance))
	assert.Len(t, a, 64)
}

func TestDispatch_BelowThresholdCreatesNothing(t *testing.T) {
	ch := &fakeChannel{name: "log"}
	d, j := newDispatcher(&clock{now: t0}, ch)
	p, a := subject("203.0.113.5", 0.2, domain.CategoryBenign)

	res, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.Nil(t, res.Alert)
	assert.Zero(t, ch.calls.Load())
	assert.Empty(t, j.alerts)
}

func TestDispatch_RejectsOrphanAssessment(t *testing.T) {
	d, _ := newDispatcher(&clock{now: t0})
	_, a := subject("203.0.113.5", 0.9, domain.CategoryExploitation)

	_, err := d.Dispatch(context.Background(), domain.NewAttackerProfile("203.0.113.5"), a)
	assert.ErrorIs(t, err, domain.ErrOrphanAssessment)
	assert.Empty(t, d.Alerts("", 0))
}

func TestDispatch_SuppressesWithinWindow(t *testing.T) {
	c := &clock{now: t0}
	ch := &fakeChannel{name: "log"}
	d, _ := newDispatcher(c, ch)
	p, a := subject("203.0.113.5", 0.8, domain.CategoryReconnaissance)

	first, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	require.NotNil(t, first.Alert)
	assert.False(t, first.Suppressed)
	assert.Equal(t, []string{"log"}, first.Alert.DispatchedChannels)
	assert.Equal(t, domain.LevelHigh, first.Alert.Severity)

	c.now = t0.Add(14 * time.Minute)
	second, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.True(t, second.Suppressed)
	assert.Equal(t, first.Alert.ID, second.Alert.ID)
	assert.Equal(t, first.Alert.DispatchedChannels, second.Alert.DispatchedChannels)
	assert.Equal(t, int32(1), ch.calls.Load())

	// другая категория — другой ключ
	p2, a2 := subject("203.0.113.5", 0.9, domain.CategoryExploitation)
	p2.AssessmentHistory = append(p.AssessmentHistory, a2)
	third, err := d.Dispatch(context.Background(), p2, a2)
	require.NoError(t, err)
	assert.False(t, third.Suppressed)

	// окно истекло
	c.now = t0.Add(15 * time.Minute)
	fourth, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.False(t, fourth.Suppressed)
	assert.NotEqual(t, first.Alert.ID, fourth.Alert.ID)
	assert.Len(t, d.Alerts("203.0.113.5", 0), 3)
}

func TestDispatch_ConcurrentDuplicatesYieldOneAlert(t *testing.T) {
	ch := &fakeChannel{name: "log"}
	d, _ := newDispatcher(&clock{now: t0}, ch)
	p, a := subject("198.51.100.1", 0.95, domain.CategoryExfiltration)

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Dispatch(context.Background(), p, a)
			assert.NoError(t, err)
			if !res.Suppressed {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), ch.calls.Load())
}

func TestDispatch_ChannelFailuresAreIsolated(t *testing.T) {
	ok := &fakeChannel{name: "log"}
	flaky := &fakeChannel{name: "nats", fails: 2}
	dead := &fakeChannel{name: "webhook", fails: 100}
	d, j := newDispatcher(&clock{now: t0}, ok, flaky, dead)
	p, a := subject("203.0.113.77", 0.8, domain.CategoryReconnaissance)

	res, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	require.NotNil(t, res.Alert)

	assert.Equal(t, []string{"log", "nats"}, res.Alert.DispatchedChannels)
	assert.Equal(t, []string{"webhook"}, res.Failed)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, int32(3), dead.calls.Load())

	// запись зафиксирована до рассылки и не откатывается
	require.Len(t, j.alerts, 2)
	assert.Empty(t, j.alerts[0].DispatchedChannels)
	assert.Equal(t, res.Alert.ID, j.alerts[0].ID)
	stored, found := d.Alert(res.Alert.ID)
	require.True(t, found)
	assert.Equal(t, []string{"log", "nats"}, stored.DispatchedChannels)
}

func TestDispatchDegraded(t *testing.T) {
	d, _ := newDispatcher(&clock{now: t0}, &fakeChannel{name: "log"})
	p, a := subject("203.0.113.21", 0.9, domain.CategoryExploitation)

	res, err := d.DispatchDegraded(context.Background(), p, a, &domain.ResponseAction{ID: "act-9"})
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.Equal(t, domain.CategoryResponseDegraded, res.Alert.Category)
	assert.Equal(t, "act-9", res.Alert.ActionRef)
	assert.Equal(t, DedupeKey("203.0.113.21", domain.CategoryResponseDegraded), res.Alert.DedupeKey)

	// обычный алерт по той же оценке не подавлен degraded-алертом
	normal, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.False(t, normal.Suppressed)
}

func TestDispatchDegraded_SeverityFollowsConfiguredThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinScore = 0.5
	d := NewDispatcher(cfg, []Channel{&fakeChannel{name: "log"}}, zap.NewNop(), WithClock((&clock{now: t0}).Now))

	p, a := subject("203.0.113.22", 0.6, domain.CategoryReconnaissance)
	res, err := d.DispatchDegraded(context.Background(), p, a, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelMedium, res.Alert.Severity, "score above the configured threshold keeps its level")

	p, a = subject("203.0.113.23", 0.4, domain.CategoryReconnaissance)
	res, err = d.DispatchDegraded(context.Background(), p, a, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelHigh, res.Alert.Severity)
}

func TestRestore_KeepsSuppressionAcrossRestart(t *testing.T) {
	c := &clock{now: t0.Add(5 * time.Minute)}
	d, _ := newDispatcher(c, &fakeChannel{name: "log"})
	p, a := subject("203.0.113.5", 0.8, domain.CategoryReconnaissance)
	d.Restore([]*domain.Alert{{
		ID: "old", SourceIdentity: "203.0.113.5", Category: domain.CategoryReconnaissance,
		DedupeKey: DedupeKey("203.0.113.5", domain.CategoryReconnaissance), DispatchedAt: t0,
	}})

	res, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.Equal(t, "old", res.Alert.ID)
}

func TestWebhookChannel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var a domain.Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, a.ID, r.Header.Get("Idempotency-Key"))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, _ := newDispatcher(&clock{now: t0}, NewWebhookChannel(srv.URL, time.Second))
	p, a := subject("203.0.113.5", 0.8, domain.CategoryReconnaissance)
	res, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"webhook"}, res.Alert.DispatchedChannels)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookChannel_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, _ := newDispatcher(&clock{now: t0}, NewWebhookChannel(srv.URL, time.Second))
	p, a := subject("203.0.113.5", 0.8, domain.CategoryReconnaissance)
	res, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"webhook"}, res.Failed)
	assert.Equal(t, int32(1), calls.Load())
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestBusChannels(t *testing.T) {
	pub := &fakePublisher{}
	w := &fakeWriter{}
	d, _ := newDispatcher(&clock{now: t0}, NewNATSChannel(pub, "honeyshield.alerts"), NewKafkaChannel(w))
	p, a := subject("203.0.113.5", 0.8, domain.CategoryReconnaissance)

	res, err := d.Dispatch(context.Background(), p, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka", "nats"}, res.Alert.DispatchedChannels)

	assert.Equal(t, "honeyshield.alerts", pub.subject)
	var got domain.Alert
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, res.Alert.ID, got.ID)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, res.Alert.DedupeKey, string(w.msgs[0].Key))
}
