// Package normalizer приводит сырые записи сенсоров ловушек и журналов аудита облака
// к каноническому domain.SecurityEvent.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/honeyshield/internal/domain"
)

// RawEvent — сырая запись в том виде, в каком она пришла из канала доставки.
type RawEvent map[string]interface{}

// DecoyResolver сообщает, является ли ресурс ловушкой, и возвращает ее id.
type DecoyResolver func(resource string) (honeypotID string, ok bool)

type Option func(*Normalizer)

// WithClock подменяет источник текущего времени (для проверки окна рассинхронизации).
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithIDGenerator подменяет генератор id для записей без естественного id.
func WithIDGenerator(gen func() string) Option {
	return func(n *Normalizer) { n.newID = gen }
}

// WithDecoyResolver подключает справочник ресурсов-ловушек для записей аудита.
func WithDecoyResolver(r DecoyResolver) Option {
	return func(n *Normalizer) { n.resolveDecoy = r }
}

// Normalizer — чистое преобразование без побочных эффектов.
type Normalizer struct {
	skew         time.Duration
	now          func() time.Time
	newID        func() string
	resolveDecoy DecoyResolver
}

func New(clockSkew time.Duration, opts ...Option) *Normalizer {
	n := &Normalizer{
		skew:  clockSkew,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NaturalID возвращает id, присвоенный источником, или пустую строку.
func NaturalID(raw RawEvent) string {
	if d := detail(raw); d != nil {
		if id := str(d, "eventID"); id != "" {
			return id
		}
	}
	for _, key := range []string{"event_id", "eventID", "id"} {
		if id := str(raw, key); id != "" {
			return id
		}
	}
	return ""
}

// Normalize проверяет обязательные поля и собирает SecurityEvent.
func (n *Normalizer) Normalize(raw RawEvent) (*domain.SecurityEvent, error) {
	if raw == nil {
		return nil, &domain.MalformedEventError{Field: "record", Reason: "empty"}
	}

	var (
		f   fields
		err error
	)
	if d := detail(raw); d != nil {
		f, err = n.fromAuditTrail(raw, d)
	} else {
		f, err = n.fromSensor(raw)
	}
	if err != nil {
		return nil, err
	}

	// 1. Обязательные поля
	if f.timestamp == "" {
		return nil, &domain.MalformedEventError{Field: "timestamp", Reason: "missing"}
	}
	if f.identity == "" {
		return nil, &domain.MalformedEventError{Field: "sourceIdentity", Reason: "missing"}
	}
	if f.action == "" {
		return nil, &domain.MalformedEventError{Field: "action", Reason: "missing"}
	}

	// 2. Время и окно рассинхронизации
	ts, err := parseTime(f.timestamp)
	if err != nil {
		return nil, &domain.MalformedEventError{Field: "timestamp", Reason: err.Error()}
	}
	if n.skew > 0 {
		now := n.now().UTC()
		if ts.Before(now.Add(-n.skew)) || ts.After(now.Add(n.skew)) {
			return nil, &domain.MalformedEventError{
				Field:  "timestamp",
				Reason: fmt.Sprintf("%s outside accepted skew of %s", ts.Format(time.RFC3339), n.skew),
			}
		}
	}

	// 3. Идентификатор
	id := NaturalID(raw)
	natural := id != ""
	if !natural {
		id = n.newID()
	}

	action := domain.ParseActionType(f.action)
	operation := f.operation
	if action == domain.ActionUnknown {
		// Пришло имя операции API вместо класса
		if operation == "" {
			operation = f.action
		}
		action = ActionForOperation(operation)
	}

	return &domain.SecurityEvent{
		ID:             id,
		NaturalID:      natural,
		Timestamp:      ts,
		SourceIdentity: f.identity,
		TargetResource: f.target,
		Action:         action,
		Operation:      operation,
		OriginTag:      f.origin,
		UserAgent:      f.userAgent,
		ErrorCode:      f.errorCode,
		RawPayload:     copyRaw(raw),
	}, nil
}

// Canonical — байтовое представление события без id; идентичный вход дает идентичный результат.
func Canonical(e *domain.SecurityEvent) ([]byte, error) {
	c := *e
	if !c.NaturalID {
		c.ID = ""
	}
	return json.Marshal(&c)
}

type fields struct {
	timestamp string
	identity  string
	action    string
	operation string
	target    string
	origin    string
	userAgent string
	errorCode string
}

// fromAuditTrail разбирает запись журнала аудита в обертке шины событий (поле detail).
func (n *Normalizer) fromAuditTrail(raw RawEvent, d map[string]interface{}) (fields, error) {
	f := fields{
		timestamp: str(d, "eventTime"),
		identity:  str(d, "sourceIPAddress"),
		action:    str(d, "eventName"),
		operation: str(d, "eventName"),
		userAgent: str(d, "userAgent"),
		errorCode: str(d, "errorCode"),
	}
	if f.timestamp == "" {
		f.timestamp = str(raw, "time")
	}
	if f.identity == "" {
		if ui, ok := d["userIdentity"].(map[string]interface{}); ok {
			f.identity = str(ui, "arn")
		}
	}

	resources := resourceARNs(d)
	if len(resources) > 0 {
		f.target = resources[0]
	} else if params, ok := d["requestParameters"].(map[string]interface{}); ok {
		f.target = firstNonEmpty(str(params, "bucketName"), str(params, "instanceId"), str(params, "dBInstanceIdentifier"))
	}

	f.origin = str(raw, "origin_tag")
	if f.origin == "" && n.resolveDecoy != nil {
		for _, r := range resources {
			if hp, ok := n.resolveDecoy(r); ok {
				f.origin = string(domain.OriginDecoy) + ":" + hp
				break
			}
		}
	}
	if f.origin == "" {
		f.origin = string(domain.OriginAudit) + ":" + firstNonEmpty(str(d, "eventSource"), str(raw, "source"), "unknown")
	}
	return f, nil
}

// fromSensor разбирает плоскую запись сенсора ловушки или продуктивной системы.
func (n *Normalizer) fromSensor(raw RawEvent) (fields, error) {
	f := fields{
		timestamp: firstNonEmpty(str(raw, "timestamp"), str(raw, "time")),
		identity:  firstNonEmpty(str(raw, "source_identity"), str(raw, "sourceIdentity"), str(raw, "source_ip")),
		action:    str(raw, "action"),
		operation: str(raw, "operation"),
		target:    firstNonEmpty(str(raw, "target_resource"), str(raw, "target")),
		userAgent: firstNonEmpty(str(raw, "user_agent"), str(raw, "userAgent")),
		errorCode: firstNonEmpty(str(raw, "error_code"), str(raw, "errorCode")),
		origin:    firstNonEmpty(str(raw, "origin_tag"), str(raw, "originTag")),
	}
	if f.origin == "" {
		switch {
		case str(raw, "honeypot_id") != "":
			f.origin = string(domain.OriginDecoy) + ":" + str(raw, "honeypot_id")
		case n.resolveDecoy != nil && f.target != "":
			if hp, ok := n.resolveDecoy(f.target); ok {
				f.origin = string(domain.OriginDecoy) + ":" + hp
			}
		}
	}
	if f.origin == "" {
		f.origin = string(domain.OriginProduction) + ":" + firstNonEmpty(str(raw, "system"), "unknown")
	}
	if !validOrigin(f.origin) {
		return f, &domain.MalformedEventError{Field: "originTag", Reason: fmt.Sprintf("unsupported origin %q", f.origin)}
	}
	return f, nil
}

func validOrigin(tag string) bool {
	kind, ref, ok := strings.Cut(tag, ":")
	if !ok || ref == "" {
		return false
	}
	switch domain.Origin(kind) {
	case domain.OriginDecoy, domain.OriginProduction, domain.OriginAudit:
		return true
	}
	return false
}

func copyRaw(raw RawEvent) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

func detail(raw RawEvent) map[string]interface{} {
	d, _ := raw["detail"].(map[string]interface{})
	return d
}

func resourceARNs(d map[string]interface{}) []string {
	list, ok := d["resources"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			if arn := firstNonEmpty(str(m, "ARN"), str(m, "arn")); arn != "" {
				out = append(out, arn)
			}
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// str — строковое поле без окаймляющих пробелов; строка из одних пробелов считается отсутствующей.
func str(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
