package entities

import "github.com/idost/parasto-jobs/internal/core"

func init() {
	registerAnalytics()
	registerAuditLogs()
}

// Analytics and audit logs are produced by the platform itself; they can be
// exported but never imported.

func registerAnalytics() {
	core.Register(core.EntityDefinition{
		Type:    core.EntityAnalytics,
		Label:   "Listening Analytics",
		Table:   "analytics_daily",
		Key:     []string{"day", "audiobook_id"},
		OrderBy: "day, audiobook_id",
		Fields: []core.FieldSpec{
			{Name: "day", Type: core.FieldDate, Required: true},
			{Name: "audiobook_id", Type: core.FieldUUID, Required: true},
			{Name: "plays", Type: core.FieldInt},
			{Name: "unique_listeners", Type: core.FieldInt},
			{Name: "minutes_listened", Type: core.FieldInt},
			{Name: "revenue", Type: core.FieldNumeric},
		},
	})
}

func registerAuditLogs() {
	core.Register(core.EntityDefinition{
		Type:    core.EntityAuditLogs,
		Label:   "Audit Logs",
		Key:     []string{"id"},
		OrderBy: "created_at, id",
		Fields: []core.FieldSpec{
			{Name: "id", Type: core.FieldUUID, Required: true},
			{Name: "actor_id", Type: core.FieldUUID},
			{Name: "action", Type: core.FieldText, Required: true},
			{Name: "entity_type", Type: core.FieldText},
			{Name: "entity_id", Type: core.FieldText},
			{Name: "details", Type: core.FieldText},
			{Name: "created_at", Type: core.FieldTimestamp, Required: true},
		},
	})
}
