package entities

import "github.com/idost/parasto-jobs/internal/core"

func init() {
	registerUsers()
}

// Users are keyed by email so a re-import updates existing accounts. The id
// column is exported for reference and accepted on import but never required.
func registerUsers() {
	core.Register(core.EntityDefinition{
		Type:       core.EntityUsers,
		Label:      "Users",
		Key:        []string{"email"},
		Importable: true,
		OrderBy:    "created_at, email",
		Fields: []core.FieldSpec{
			{Name: "email", Type: core.FieldText, Required: true, Rules: "email", Normalizer: NormalizeEmail},
			{Name: "full_name", Type: core.FieldText, Rules: "max=200"},
			{Name: "role", Type: core.FieldEnum, Required: true, EnumValues: []string{"listener", "creator", "admin"}},
			{Name: "is_active", Type: core.FieldBool},
			{Name: "id", Type: core.FieldUUID},
		},
	})
}
