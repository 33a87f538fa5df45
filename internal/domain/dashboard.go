package domain

// Dashboard — сводка для оператора.
type Dashboard struct {
	Activity  ActivityStats `json:"activity"`  // Источники и нагрузка
	Risks     RiskStats     `json:"risks"`     // Опасные источники
	Incidents IncidentStats `json:"incidents"` // Действующие контрмеры и алерты
	Decoys    DecoyStats    `json:"decoys"`    // Ловушки
}

type ActivityStats struct {
	TrackedProfiles int   `json:"tracked_profiles"`
	TotalEvents     int64 `json:"total_events"`
}

type RiskStats struct {
	HighRiskProfiles int                `json:"high_risk_profiles"` // risk >= 0.7
	TopSources       []RiskPoint        `json:"top_sources"`
	ByCategory       map[Category]int64 `json:"by_category"` // Последние оценки профилей
}

type RiskPoint struct {
	Identity string  `json:"identity"`
	Risk     float64 `json:"risk"`
}

type IncidentStats struct {
	ActiveActions map[ActionKind]int `json:"active_actions"`
	FailedActions int                `json:"failed_actions"`
	RecentAlerts  int                `json:"recent_alerts"` // За последний час
}

type DecoyStats struct {
	Live           int `json:"live"`
	Compromised    int `json:"compromised"`
	PendingIntents int `json:"pending_intents"`
}
