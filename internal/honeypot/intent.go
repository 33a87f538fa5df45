package honeypot

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
)

type IntentKind string

const (
	IntentProvision   IntentKind = "provision"
	IntentReconfigure IntentKind = "reconfigure"
	IntentRetire      IntentKind = "retire"
)

// Completion — подтверждение от исполнителя провижининга.
type Completion struct {
	IntentID    string    `json:"intent_id"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Intent — просьба к внешнему исполнителю создать, перенастроить или вывести ловушку.
// Результат приходит через Done после Controller.Complete.
type Intent struct {
	ID          string              `json:"id"`
	Kind        IntentKind          `json:"kind"`
	HoneypotID  string              `json:"honeypot_id"`
	Type        domain.HoneypotType `json:"type"`
	Fingerprint string              `json:"fingerprint"`
	Profile     Variant             `json:"profile"`
	Reason      string              `json:"reason"`
	CreatedAt   time.Time           `json:"created_at"`

	done chan Completion
	once sync.Once
}

func newIntent(id string, kind IntentKind, createdAt time.Time) *Intent {
	return &Intent{ID: id, Kind: kind, CreatedAt: createdAt, done: make(chan Completion, 1)}
}

// Done закрывается после разрешения намерения; значение доступно один раз.
func (i *Intent) Done() <-chan Completion {
	return i.done
}

// Wait ждет подтверждения или отмены ctx.
func (i *Intent) Wait(ctx context.Context) (Completion, error) {
	select {
	case c, ok := <-i.done:
		if !ok {
			return Completion{IntentID: i.ID}, nil
		}
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

func (i *Intent) resolve(c Completion) {
	i.once.Do(func() {
		c.IntentID = i.ID
		i.done <- c
		close(i.done)
	})
}

// record — снимок для журнала; res == nil для еще не разрешенного намерения.
func (i *Intent) record(res *Completion) *domain.HoneypotIntent {
	r := &domain.HoneypotIntent{
		ID:          i.ID,
		Kind:        string(i.Kind),
		HoneypotID:  i.HoneypotID,
		Type:        i.Type,
		Fingerprint: i.Fingerprint,
		Profile:     i.Profile,
		Reason:      i.Reason,
		CreatedAt:   i.CreatedAt,
	}
	if res != nil {
		at := res.CompletedAt
		r.ResolvedAt = &at
		r.Success = res.Success
		r.Error = res.Error
	}
	return r
}

func intentFromRecord(r *domain.HoneypotIntent) *Intent {
	in := newIntent(r.ID, IntentKind(r.Kind), r.CreatedAt)
	in.HoneypotID = r.HoneypotID
	in.Type = r.Type
	in.Fingerprint = r.Fingerprint
	in.Profile = r.Profile
	in.Reason = r.Reason
	return in
}
