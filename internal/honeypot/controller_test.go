package honeypot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/honeyshield/internal/domain"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeProvisioner struct {
	mu      sync.Mutex
	err     error
	intents []*Intent
}

func (f *fakeProvisioner) Submit(ctx context.Context, in *Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.intents = append(f.intents, in)
	return nil
}

func newController(p Provisioner, cfg Config) *Controller {
	seq := 0
	return NewController(cfg, p, zap.NewNop(),
		WithClock(func() time.Time { return t0 }),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("intent-%d", seq) }))
}

func engage(c *Controller, decoy string, n int, at time.Time, category domain.Category) {
	for i := 0; i < n; i++ {
		ev := &domain.SecurityEvent{
			ID: fmt.Sprintf("%s-%d-%d", decoy, at.Unix(), i), Timestamp: at.Add(time.Duration(i) * time.Second),
			SourceIdentity: "203.0.113.5", Action: domain.ActionRead, OriginTag: "decoy:" + decoy,
		}
		c.Observe(ev, &domain.ThreatAssessment{ID: "a-" + ev.ID, SourceIdentity: ev.SourceIdentity, Category: category})
	}
}

func TestRegister(t *testing.T) {
	c := newController(nil, DefaultConfig())
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-web-1", Type: "web_server"}))

	d, err := c.Descriptor("hp-web-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoneypotWeb, d.Type)
	assert.Equal(t, domain.HoneypotActive, d.State)
	assert.NotEmpty(t, d.Fingerprint)
	assert.True(t, c.IsDecoy("hp-web-1"))

	assert.ErrorIs(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-web-1", Type: domain.HoneypotWeb}), ErrDuplicate)
	assert.Error(t, c.Register(&domain.HoneypotDescriptor{ID: "x", Type: "mainframe"}))
	_, err = c.Descriptor("nope")
	assert.ErrorIs(t, err, ErrUnknownHoneypot)
}

func TestEvaluate_SaturationProvisionsDistinctDecoy(t *testing.T) {
	p := &fakeProvisioner{}
	cfg := DefaultConfig()
	cfg.SaturationThreshold = 10
	c := newController(p, cfg)
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-db-1", Type: domain.HoneypotDatabase, CreatedAt: t0}))

	engage(c, "hp-db-1", 10, t0.Add(-10*time.Minute), domain.CategoryReconnaissance)
	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, intents, "threshold must be exceeded, not reached")

	engage(c, "hp-db-1", 1, t0.Add(-time.Minute), domain.CategoryReconnaissance)
	intents, err = c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)

	in := intents[0]
	existing, _ := c.Descriptor("hp-db-1")
	assert.Equal(t, IntentProvision, in.Kind)
	assert.Equal(t, domain.HoneypotDatabase, in.Type)
	assert.NotEqual(t, existing.Fingerprint, in.Fingerprint)
	assert.Len(t, p.intents, 1)

	// до подтверждения новой ловушки нет
	_, err = c.Descriptor(in.HoneypotID)
	assert.ErrorIs(t, err, ErrUnknownHoneypot)
	assert.Len(t, c.Pending(), 1)

	require.NoError(t, c.Complete(in.ID, Completion{Success: true}))
	res, err := in.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, in.ID, res.IntentID)

	d, err := c.Descriptor(in.HoneypotID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoneypotActive, d.State)
	assert.Equal(t, in.Fingerprint, d.Fingerprint)
	require.Len(t, d.AdaptationHistory, 1)
	assert.Equal(t, domain.HoneypotProvisioning, d.AdaptationHistory[0].From)
	assert.Empty(t, c.Pending())

	assert.ErrorIs(t, c.Complete(in.ID, Completion{Success: true}), ErrUnknownIntent)
}

func TestEvaluate_OldEngagementsLeaveWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SaturationThreshold = 5
	c := newController(&fakeProvisioner{}, cfg)
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-web-1", Type: domain.HoneypotWeb, CreatedAt: t0}))

	engage(c, "hp-web-1", 20, t0.Add(-2*time.Hour), domain.CategoryReconnaissance)
	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestEvaluate_FingerprintsStayDistinct(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SaturationThreshold = 0
	c := newController(&fakeProvisioner{}, cfg)
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-api-1", Type: domain.HoneypotAPIEndpoint, CreatedAt: t0}))

	seen := map[string]bool{}
	d, _ := c.Descriptor("hp-api-1")
	seen[d.Fingerprint] = true
	for i := 0; i < 12; i++ {
		engage(c, "hp-api-1", 1, t0, domain.CategoryReconnaissance)
		intents, err := c.Evaluate(context.Background(), t0)
		require.NoError(t, err)
		require.Len(t, intents, 1)
		assert.False(t, seen[intents[0].Fingerprint], "fingerprint reused at round %d", i)
		seen[intents[0].Fingerprint] = true
		require.NoError(t, c.Complete(intents[0].ID, Completion{Success: true}))
	}
}

func TestEvaluate_ToolDemandProvisionsMissingTypes(t *testing.T) {
	c := newController(&fakeProvisioner{}, DefaultConfig())
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-web-1", Type: domain.HoneypotWeb, CreatedAt: t0}))

	c.Observe(&domain.SecurityEvent{ID: "e1", Timestamp: t0, SourceIdentity: "x", OriginTag: "production:app"},
		&domain.ThreatAssessment{ID: "a1", Indicators: []string{"tool:sqlmap", "vector:database"}})

	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1, "web already has a live decoy")
	assert.Equal(t, domain.HoneypotDatabase, intents[0].Type)
	assert.Contains(t, intents[0].Reason, "demand")

	// спрос потреблен, повторно не выпускается
	intents, err = c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestEvaluate_StaleDecoyRetiredOnlyAfterConfirmation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StalenessHorizon = 24 * time.Hour
	c := newController(&fakeProvisioner{}, cfg)
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-fs-1", Type: domain.HoneypotFileServer, CreatedAt: t0.Add(-48 * time.Hour)}))
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-fs-2", Type: domain.HoneypotFileServer, CreatedAt: t0.Add(-48 * time.Hour)}))
	engage(c, "hp-fs-2", 1, t0.Add(-time.Hour), domain.CategoryReconnaissance)

	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, IntentRetire, intents[0].Kind)
	assert.Equal(t, "hp-fs-1", intents[0].HoneypotID)

	d, _ := c.Descriptor("hp-fs-1")
	assert.Equal(t, domain.HoneypotActive, d.State)

	// пока намерение в полете, второго не будет
	again, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, again)

	// отказ исполнителя не меняет состояние
	require.NoError(t, c.Complete(intents[0].ID, Completion{Success: false, Error: "quota"}))
	d, _ = c.Descriptor("hp-fs-1")
	assert.Equal(t, domain.HoneypotActive, d.State)
	res := <-intents[0].Done()
	assert.False(t, res.Success)

	retry, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	require.NoError(t, c.Complete(retry[0].ID, Completion{Success: true}))

	d, _ = c.Descriptor("hp-fs-1")
	assert.Equal(t, domain.HoneypotRetired, d.State)
	n := len(d.AdaptationHistory)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, domain.HoneypotRetiring, d.AdaptationHistory[n-2].To)
	assert.Equal(t, domain.HoneypotRetired, d.AdaptationHistory[n-1].To)
}

func TestObserve_CompromiseCycles(t *testing.T) {
	c := newController(nil, DefaultConfig())
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-web-1", Type: domain.HoneypotWeb, CreatedAt: t0}))

	engage(c, "hp-web-1", 1, t0, domain.CategoryExploitation)
	d, _ := c.Descriptor("hp-web-1")
	assert.Equal(t, domain.HoneypotCompromisedObserved, d.State)

	engage(c, "hp-web-1", 1, t0.Add(time.Minute), domain.CategoryReconnaissance)
	d, _ = c.Descriptor("hp-web-1")
	assert.Equal(t, domain.HoneypotActive, d.State)
	assert.Equal(t, int64(2), d.EngagementCount)
	assert.Len(t, d.AdaptationHistory, 2)
}

func TestEvaluate_SubmitFailureResolvesIntent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SaturationThreshold = 0
	c := newController(&fakeProvisioner{err: errors.New("redis down")}, cfg)
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-web-1", Type: domain.HoneypotWeb, CreatedAt: t0}))
	engage(c, "hp-web-1", 1, t0, domain.CategoryReconnaissance)

	intents, err := c.Evaluate(context.Background(), t0)
	require.Error(t, err)
	require.Len(t, intents, 1)
	res := <-intents[0].Done()
	assert.False(t, res.Success)
	assert.Empty(t, c.Pending())
}

type fakeRedis struct {
	channel string
	payload []byte
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload = message.([]byte)
	return redis.NewIntResult(1, nil)
}

func TestRedisProvisioner_PublishesIntent(t *testing.T) {
	r := &fakeRedis{}
	p := NewRedisProvisioner(r, zap.NewNop())
	in := newIntent("intent-1", IntentProvision, t0)
	in.Type = domain.HoneypotDatabase
	in.Fingerprint = "abc"

	require.NoError(t, p.Submit(context.Background(), in))
	assert.Equal(t, "honeyshield:honeypots:intents", r.channel)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(r.payload, &got))
	assert.Equal(t, "intent-1", got["id"])
	assert.Equal(t, "provision", got["kind"])
	assert.Equal(t, "database", got["type"])
}

type memJournal struct {
	mu      sync.Mutex
	decoys  []*domain.HoneypotDescriptor
	intents []*domain.HoneypotIntent
}

func (j *memJournal) LogHoneypot(h *domain.HoneypotDescriptor) {
	j.mu.Lock()
	j.decoys = append(j.decoys, h)
	j.mu.Unlock()
}

func (j *memJournal) LogIntent(r *domain.HoneypotIntent) {
	j.mu.Lock()
	j.intents = append(j.intents, r)
	j.mu.Unlock()
}

func demand(c *Controller, tool string) {
	c.Observe(&domain.SecurityEvent{ID: "e-" + tool, Timestamp: t0, SourceIdentity: "203.0.113.5", OriginTag: "production:app"},
		&domain.ThreatAssessment{ID: "a-" + tool, Indicators: []string{"tool:" + tool}})
}

func TestEvaluate_RetiredFingerprintIsNotReissued(t *testing.T) {
	c := newController(&fakeProvisioner{}, DefaultConfig())

	demand(c, "nikto")
	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	first := intents[0]
	require.NoError(t, c.Complete(first.ID, Completion{Success: true}))

	later := t0.Add(8 * 24 * time.Hour)
	intents, err = c.Evaluate(context.Background(), later)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	require.Equal(t, IntentRetire, intents[0].Kind)
	require.NoError(t, c.Complete(intents[0].ID, Completion{Success: true}))

	demand(c, "nikto")
	intents, err = c.Evaluate(context.Background(), later)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	second := intents[0]
	assert.Equal(t, IntentProvision, second.Kind)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.HoneypotID, second.HoneypotID)
	require.NoError(t, c.Complete(second.ID, Completion{Success: true}))

	retired, err := c.Descriptor(first.HoneypotID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoneypotRetired, retired.State)
	assert.Len(t, retired.AdaptationHistory, 3)
	assert.Len(t, c.Descriptors(), 2)
}

func TestComplete_KeepsRegisteredDescriptor(t *testing.T) {
	c := newController(&fakeProvisioner{}, DefaultConfig())
	demand(c, "nikto")
	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	in := intents[0]

	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: in.HoneypotID, Type: domain.HoneypotWeb, Fingerprint: "operator-set"}))
	assert.ErrorIs(t, c.Complete(in.ID, Completion{Success: true}), ErrDuplicate)

	d, err := c.Descriptor(in.HoneypotID)
	require.NoError(t, err)
	assert.Equal(t, "operator-set", d.Fingerprint)
	assert.Empty(t, d.AdaptationHistory)
	assert.Empty(t, c.Pending())
}

func TestEvaluate_CompromisedDecoyGetsNewVariant(t *testing.T) {
	c := newController(&fakeProvisioner{}, DefaultConfig())
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-web-1", Type: domain.HoneypotWeb, CreatedAt: t0}))
	before, _ := c.Descriptor("hp-web-1")

	engage(c, "hp-web-1", 1, t0, domain.CategoryExploitation)
	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, IntentReconfigure, in.Kind)
	assert.Equal(t, "hp-web-1", in.HoneypotID)
	assert.NotEqual(t, before.Fingerprint, in.Fingerprint)

	// до подтверждения вариант прежний, второго намерения нет
	d, _ := c.Descriptor("hp-web-1")
	assert.Equal(t, before.Fingerprint, d.Fingerprint)
	assert.Equal(t, domain.HoneypotCompromisedObserved, d.State)
	again, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, c.Complete(in.ID, Completion{Success: true}))
	d, _ = c.Descriptor("hp-web-1")
	assert.Equal(t, in.Fingerprint, d.Fingerprint)
	assert.Equal(t, domain.HoneypotActive, d.State)
	last := d.AdaptationHistory[len(d.AdaptationHistory)-1]
	assert.Equal(t, domain.HoneypotCompromisedObserved, last.From)
	assert.Equal(t, domain.HoneypotActive, last.To)
	assert.Equal(t, in.Fingerprint, last.Fingerprint)
}

func TestEvaluate_SaturationAtCapacityReconfiguresBusiest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SaturationThreshold = 2
	cfg.MaxPerType = 1
	c := newController(&fakeProvisioner{}, cfg)
	require.NoError(t, c.Register(&domain.HoneypotDescriptor{ID: "hp-db-1", Type: domain.HoneypotDatabase, CreatedAt: t0}))
	before, _ := c.Descriptor("hp-db-1")

	engage(c, "hp-db-1", 3, t0.Add(-time.Minute), domain.CategoryReconnaissance)
	intents, err := c.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, IntentReconfigure, intents[0].Kind)
	assert.Equal(t, "hp-db-1", intents[0].HoneypotID)
	assert.Contains(t, intents[0].Reason, "saturation")

	require.NoError(t, c.Complete(intents[0].ID, Completion{Success: false, Error: "quota"}))
	d, _ := c.Descriptor("hp-db-1")
	assert.Equal(t, before.Fingerprint, d.Fingerprint)
	assert.Contains(t, d.AdaptationHistory[len(d.AdaptationHistory)-1].Reason, "reconfigure failed")
}

func TestRestorePending_CompletionAfterRestart(t *testing.T) {
	j := &memJournal{}
	before := NewController(DefaultConfig(), &fakeProvisioner{}, zap.NewNop(),
		WithClock(func() time.Time { return t0 }), WithJournal(j))
	demand(before, "nikto")
	intents, err := before.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	in := intents[0]

	require.Len(t, j.intents, 1)
	stored := j.intents[0]
	assert.Nil(t, stored.ResolvedAt)
	assert.Equal(t, in.Fingerprint, stored.Fingerprint)

	resolved := stored.Clone()
	resolved.ID = "old"
	resolved.ResolvedAt = &t0

	after := newController(nil, DefaultConfig())
	assert.Equal(t, 1, after.RestorePending([]*domain.HoneypotIntent{stored, resolved}))
	assert.Equal(t, 0, after.RestorePending([]*domain.HoneypotIntent{stored}), "already pending")
	require.Len(t, after.Pending(), 1)

	// намерение в полете занимает тип: дубль по тому же спросу не выпускается
	demand(after, "nikto")
	dup, err := after.Evaluate(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, dup)

	require.NoError(t, after.Complete(in.ID, Completion{Success: true}))
	d, err := after.Descriptor(in.HoneypotID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoneypotActive, d.State)
	assert.Equal(t, in.Fingerprint, d.Fingerprint)
	assert.True(t, after.IsDecoy(in.HoneypotID))
}
