package response

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/profile"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeApplier struct {
	mu         sync.Mutex
	applyErrs  []error // по одной ошибке на попытку, затем успех
	revertErr  error
	applied    []*domain.ResponseAction
	reverted   []*domain.ResponseAction
	applyCalls int
}

func (f *fakeApplier) Apply(ctx context.Context, a *domain.ResponseAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if len(f.applyErrs) > 0 {
		err := f.applyErrs[0]
		f.applyErrs = f.applyErrs[1:]
		return err
	}
	f.applied = append(f.applied, a.Clone())
	return nil
}

func (f *fakeApplier) Revert(ctx context.Context, a *domain.ResponseAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revertErr != nil {
		return f.revertErr
	}
	f.reverted = append(f.reverted, a.Clone())
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	o       *Orchestrator
	store   *profile.Store
	applier *fakeApplier
	clock   *clock
	seq     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	f := &fixture{
		store:   profile.NewStore(profile.DefaultConfig(), nil, nil, zap.NewNop()),
		applier: &fakeApplier{},
		clock:   &clock{now: t0},
	}
	f.o = NewOrchestrator(cfg, f.applier, f.store, f.store.Locker(), zap.NewNop(), WithClock(f.clock.Now))
	return f
}

// handle кладет событие и оценку в профиль, затем прогоняет автомат.
func (f *fixture) handle(t *testing.T, identity, origin string, score, confidence float64, category domain.Category) Decision {
	t.Helper()
	ctx := context.Background()
	f.seq++
	ev := &domain.SecurityEvent{
		ID: fmt.Sprintf("e%d", f.seq), Timestamp: f.clock.Now(), SourceIdentity: identity,
		TargetResource: "arn:aws:s3:::finance-exports", Action: domain.ActionRead, OriginTag: origin,
	}
	_, err := f.store.RecordEvent(ctx, ev)
	require.NoError(t, err)
	a := &domain.ThreatAssessment{
		ID: fmt.Sprintf("a%d", f.seq), EventIDs: []string{ev.ID}, SourceIdentity: identity,
		Score: score, Confidence: confidence, Category: category, ObservedAt: ev.Timestamp, CreatedAt: ev.Timestamp,
	}
	p, err := f.store.AppendAssessment(ctx, identity, a)
	require.NoError(t, err)

	unlock := f.store.Locker().Lock(identity)
	defer unlock()
	d, err := f.o.Handle(ctx, Subject{Event: ev, Profile: p, Assessment: a})
	require.NoError(t, err)
	return d
}

func TestHandle_LowScoreStaysIdle(t *testing.T) {
	f := newFixture(t)
	d := f.handle(t, "203.0.113.5", "production:ec2", 0.1, 0.55, domain.CategoryBenign)

	assert.Equal(t, domain.StateIdle, d.State)
	assert.Nil(t, d.Action)
	assert.Equal(t, domain.StateIdle, f.o.State("203.0.113.5"))
	assert.Zero(t, f.applier.applyCalls)
}

func TestHandle_MediumScoreMonitors(t *testing.T) {
	f := newFixture(t)
	d := f.handle(t, "198.51.100.7", "production:s3", 0.5, 0.7, domain.CategoryReconnaissance)

	assert.Equal(t, domain.StateMonitoring, d.State)
	assert.Nil(t, d.Action)
	assert.Zero(t, f.applier.applyCalls)
}

func TestHandle_DecoyInteractionBlocksAndRenews(t *testing.T) {
	f := newFixture(t)
	d := f.handle(t, "203.0.113.9", "decoy:hp-1", 0.75, 0.6, domain.CategoryReconnaissance)

	require.NotNil(t, d.Action)
	assert.Equal(t, domain.StateActionApplied, d.State)
	assert.Equal(t, domain.KindBlock, d.Action.Kind)
	assert.Equal(t, domain.ActionActive, d.Action.Status)
	assert.Equal(t, t0.Add(time.Hour), *d.Action.ExpiresAt)
	assert.Equal(t, 1, d.Action.Attempts)

	p, err := f.store.Get(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, []string{d.Action.ID}, p.Countermeasures())

	// повторная высокая оценка продлевает то же действие
	f.clock.Advance(10 * time.Minute)
	again := f.handle(t, "203.0.113.9", "decoy:hp-1", 0.8, 0.6, domain.CategoryReconnaissance)
	assert.True(t, again.Renewed)
	assert.Equal(t, d.Action.ID, again.Action.ID)
	assert.Equal(t, t0.Add(70*time.Minute), *again.Action.ExpiresAt)
	assert.Equal(t, 1, f.applier.applyCalls)
	assert.Len(t, f.o.Actions("203.0.113.9"), 1)
}

func TestHandle_EscalatesButNeverDowngrades(t *testing.T) {
	f := newFixture(t)
	id := "192.0.2.44"

	first := f.handle(t, id, "production:api", 0.72, 0.6, domain.CategoryReconnaissance)
	require.NotNil(t, first.Action)
	assert.Equal(t, domain.KindRateLimit, first.Action.Kind)

	second := f.handle(t, id, "production:api", 0.9, 0.95, domain.CategoryExploitation)
	require.NotNil(t, second.Action)
	assert.Equal(t, domain.KindBlock, second.Action.Kind)
	assert.False(t, second.Renewed)

	old, ok := f.o.Action(first.Action.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ActionExpired, old.Status)
	require.Len(t, f.applier.reverted, 1)
	assert.Equal(t, first.Action.ID, f.applier.reverted[0].ID)

	// более слабая мера не заменяет блокировку
	third := f.handle(t, id, "production:api", 0.71, 0.6, domain.CategoryReconnaissance)
	assert.True(t, third.Renewed)
	assert.Equal(t, second.Action.ID, third.Action.ID)
	assert.Equal(t, domain.KindBlock, third.Action.Kind)

	// низкий score не снимает действующую меру
	low := f.handle(t, id, "production:api", 0.1, 0.6, domain.CategoryBenign)
	assert.Equal(t, domain.StateActionApplied, low.State)

	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{second.Action.ID}, p.Countermeasures())
}

func TestHandle_ProductionExfiltrationQuarantinesResource(t *testing.T) {
	f := newFixture(t)
	d := f.handle(t, "arn:aws:iam::123456789012:user/ci", "production:s3", 0.75, 0.6, domain.CategoryExfiltration)

	require.NotNil(t, d.Action)
	assert.Equal(t, domain.KindQuarantineResource, d.Action.Kind)
	assert.Equal(t, "arn:aws:s3:::finance-exports", d.Action.TargetResource)
	assert.Equal(t, t0.Add(2*time.Hour), *d.Action.ExpiresAt)
}

func TestHandle_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.applier.applyErrs = []error{errors.New("timeout"), errors.New("timeout")}

	d := f.handle(t, "203.0.113.20", "decoy:hp-2", 0.9, 0.9, domain.CategoryExploitation)

	require.NotNil(t, d.Action)
	assert.False(t, d.Degraded)
	assert.Equal(t, 3, d.Action.Attempts)
	assert.Equal(t, domain.ActionActive, d.Action.Status)
}

func TestHandle_ExhaustedRetriesDegrade(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("firewall api down")
	f.applier.applyErrs = []error{boom, boom, boom, boom}

	d := f.handle(t, "203.0.113.21", "decoy:hp-2", 0.9, 0.9, domain.CategoryExploitation)

	assert.True(t, d.Degraded)
	assert.Equal(t, domain.StateMonitoring, d.State)
	require.NotNil(t, d.Action)
	assert.Equal(t, domain.ActionFailed, d.Action.Status)
	assert.Equal(t, 3, d.Action.Attempts)
	assert.Equal(t, 3, f.applier.applyCalls)

	var appErr *domain.ActionApplicationError
	require.True(t, errors.As(d.Failure, &appErr))
	assert.ErrorIs(t, d.Failure, boom)

	p, err := f.store.Get(context.Background(), "203.0.113.21")
	require.NoError(t, err)
	assert.Empty(t, p.Countermeasures())
}

func TestHandle_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.applier.applyErrs = []error{&domain.ActionApplicationError{Kind: domain.KindBlock, Permanent: true, Cause: errors.New("forbidden")}}

	d := f.handle(t, "203.0.113.22", "decoy:hp-2", 0.9, 0.9, domain.CategoryExploitation)

	assert.True(t, d.Degraded)
	assert.Equal(t, 1, f.applier.applyCalls)
}

func TestSweep_ExpiresWithoutFurtherActivity(t *testing.T) {
	f := newFixture(t)
	d := f.handle(t, "203.0.113.30", "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)
	require.NotNil(t, d.Action)

	// до срока ничего не происходит
	require.NoError(t, f.o.Sweep(context.Background(), t0.Add(59*time.Minute)))
	assert.Equal(t, domain.StateActionApplied, f.o.State("203.0.113.30"))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.o.Sweep(context.Background(), f.clock.Now()))

	assert.Equal(t, domain.StateExpired, f.o.State("203.0.113.30"))
	a, ok := f.o.Action(d.Action.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ActionExpired, a.Status)
	assert.Zero(t, a.Renewals)
	require.Len(t, f.applier.reverted, 1)

	p, err := f.store.Get(context.Background(), "203.0.113.30")
	require.NoError(t, err)
	assert.Empty(t, p.Countermeasures())
}

func TestSweep_RenewsWhileSourceIsActive(t *testing.T) {
	f := newFixture(t)
	id := "203.0.113.31"
	d := f.handle(t, id, "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)
	require.NotNil(t, d.Action)

	// источник продолжает, но ниже порога — нового действия нет, только активность
	f.clock.Advance(55 * time.Minute)
	f.handle(t, id, "production:api", 0.5, 0.6, domain.CategoryReconnaissance)

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.o.Sweep(context.Background(), f.clock.Now()))

	a, ok := f.o.Action(d.Action.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ActionActive, a.Status)
	assert.Equal(t, 1, a.Renewals)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *a.ExpiresAt)
	assert.Equal(t, domain.StateActionApplied, f.o.State(id))
	assert.Empty(t, f.applier.reverted)
}

func TestSweep_RevertFailureKeepsAction(t *testing.T) {
	f := newFixture(t)
	d := f.handle(t, "203.0.113.32", "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)
	f.applier.revertErr = errors.New("api down")

	f.clock.Advance(2 * time.Hour)
	err := f.o.Sweep(context.Background(), f.clock.Now())
	require.Error(t, err)

	a, _ := f.o.Action(d.Action.ID)
	assert.Equal(t, domain.ActionActive, a.Status)
	assert.Equal(t, domain.StateActionApplied, f.o.State("203.0.113.32"))
}

func TestRevert_ByOperator(t *testing.T) {
	f := newFixture(t)
	d := f.handle(t, "203.0.113.40", "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)

	reverted, err := f.o.Revert(context.Background(), d.Action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExpired, reverted.Status)
	assert.Equal(t, domain.StateReverted, f.o.State("203.0.113.40"))

	_, err = f.o.Revert(context.Background(), d.Action.ID)
	assert.ErrorIs(t, err, ErrActionNotActive)
	_, err = f.o.Revert(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrActionNotFound)

	// после отката новая высокая оценка снова применяет меру
	again := f.handle(t, "203.0.113.40", "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)
	require.NotNil(t, again.Action)
	assert.NotEqual(t, d.Action.ID, again.Action.ID)
}

func TestSweep_PrunesSettledState(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "203.0.113.50", "production:ec2", 0.1, 0.5, domain.CategoryBenign)
	expired := f.handle(t, "203.0.113.51", "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)
	require.NotNil(t, expired.Action)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.o.Sweep(context.Background(), f.clock.Now()))
	require.Equal(t, domain.StateExpired, f.o.State("203.0.113.51"))

	// свежая мера другого источника переживает чистку
	f.clock.Advance(24 * time.Hour)
	live := f.handle(t, "203.0.113.52", "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)
	require.NotNil(t, live.Action)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.o.Sweep(context.Background(), f.clock.Now()))

	_, ok := f.o.Action(expired.Action.ID)
	assert.False(t, ok, "settled action is dropped after retention")
	_, ok = f.o.Action(live.Action.ID)
	assert.True(t, ok)
	assert.Equal(t, domain.StateIdle, f.o.State("203.0.113.51"))
	assert.Equal(t, domain.StateActionApplied, f.o.State("203.0.113.52"))

	f.o.mu.RLock()
	assert.Len(t, f.o.records, 1)
	f.o.mu.RUnlock()

	// забытый источник обрабатывается заново как новый
	again := f.handle(t, "203.0.113.51", "decoy:hp-1", 0.8, 0.7, domain.CategoryReconnaissance)
	require.NotNil(t, again.Action)
	assert.Equal(t, domain.StateActionApplied, again.State)
}

func TestRestore_ActiveActions(t *testing.T) {
	f := newFixture(t)
	exp := t0.Add(time.Hour)
	n := f.o.Restore([]*domain.ResponseAction{
		{ID: "x1", TargetIdentity: "10.9.9.9", Kind: domain.KindRateLimit, Status: domain.ActionActive, ExpiresAt: &exp},
		{ID: "x2", TargetIdentity: "10.9.9.9", Kind: domain.KindBlock, Status: domain.ActionActive, ExpiresAt: &exp},
		{ID: "x3", TargetIdentity: "10.9.9.8", Kind: domain.KindBlock, Status: domain.ActionExpired},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.StateActionApplied, f.o.State("10.9.9.9"))
	assert.Equal(t, domain.StateIdle, f.o.State("10.9.9.8"))
	_, ok := f.o.Action("x3")
	assert.False(t, ok)
}
