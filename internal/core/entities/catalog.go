package entities

import "github.com/idost/parasto-jobs/internal/core"

func init() {
	registerAudiobooks()
	registerCreators()
	registerCategories()
}

func registerAudiobooks() {
	core.Register(core.EntityDefinition{
		Type:       core.EntityAudiobooks,
		Label:      "Audiobooks",
		Key:        []string{"id"},
		Importable: true,
		OrderBy:    "created_at, id",
		Fields: []core.FieldSpec{
			{Name: "id", Type: core.FieldUUID, Generated: true},
			{Name: "title", Type: core.FieldText, Required: true, Rules: "max=300"},
			{Name: "title_en", Type: core.FieldText, Rules: "max=300"},
			{Name: "creator_id", Type: core.FieldUUID, Required: true},
			{Name: "category_id", Type: core.FieldUUID},
			{Name: "price", Type: core.FieldNumeric, Required: true, Rules: "gte=0"},
			{Name: "language", Type: core.FieldEnum, EnumValues: []string{"fa", "en", "ar"}, Normalizer: NormalizeLanguage},
			{Name: "status", Type: core.FieldEnum, EnumValues: []string{"draft", "submitted", "approved", "rejected", "published", "archived"}},
			{Name: "is_free", Type: core.FieldBool},
			{Name: "duration_seconds", Type: core.FieldInt, Rules: "gte=0"},
			{Name: "published_at", Type: core.FieldDate},
		},
	})
}

func registerCreators() {
	core.Register(core.EntityDefinition{
		Type:       core.EntityCreators,
		Label:      "Creators",
		Key:        []string{"id"},
		Importable: true,
		OrderBy:    "created_at, id",
		Fields: []core.FieldSpec{
			{Name: "id", Type: core.FieldUUID, Generated: true},
			{Name: "display_name", Type: core.FieldText, Required: true, Rules: "max=200"},
			{Name: "display_name_en", Type: core.FieldText, Rules: "max=200"},
			{Name: "email", Type: core.FieldText, Rules: "email", Normalizer: NormalizeEmail},
			{Name: "creator_type", Type: core.FieldEnum, Required: true, EnumValues: []string{"author", "narrator", "translator", "publisher"}},
			{Name: "bio", Type: core.FieldText, Rules: "max=5000"},
			{Name: "is_verified", Type: core.FieldBool},
		},
	})
}

func registerCategories() {
	core.Register(core.EntityDefinition{
		Type:       core.EntityCategories,
		Label:      "Categories",
		Key:        []string{"slug"},
		Importable: true,
		OrderBy:    "sort_order, slug",
		Fields: []core.FieldSpec{
			{Name: "slug", Type: core.FieldText, Required: true, Rules: "slug,max=100", Normalizer: NormalizeSlug},
			{Name: "name", Type: core.FieldText, Required: true, Rules: "max=200"},
			{Name: "name_en", Type: core.FieldText, Rules: "max=200"},
			{Name: "parent_id", Type: core.FieldUUID},
			{Name: "sort_order", Type: core.FieldInt, Rules: "gte=0"},
			{Name: "is_active", Type: core.FieldBool},
		},
	})
}
