package core

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// Test fixtures: small entity definitions registered per test so the core
// package can be exercised without the production entity set.

func bookDefinition() EntityDefinition {
	return EntityDefinition{
		Type:       EntityAudiobooks,
		Label:      "Audiobooks",
		Key:        []string{"id"},
		Importable: true,
		Fields: []FieldSpec{
			{Name: "id", Type: FieldUUID, Generated: true},
			{Name: "title", Type: FieldText, Required: true, Rules: "max=300"},
			{Name: "price", Type: FieldNumeric, Required: true, Rules: "gte=0"},
			{Name: "status", Type: FieldEnum, EnumValues: []string{"draft", "published"}},
			{Name: "published_at", Type: FieldDate},
			{Name: "is_free", Type: FieldBool},
			{Name: "duration_seconds", Type: FieldInt, Rules: "gte=0"},
		},
	}
}

func categoryDefinition() EntityDefinition {
	return EntityDefinition{
		Type:       EntityCategories,
		Label:      "Categories",
		Key:        []string{"slug"},
		Importable: true,
		Fields: []FieldSpec{
			{Name: "slug", Type: FieldText, Required: true, Rules: "slug", Normalizer: strings.ToLower},
			{Name: "name", Type: FieldText, Required: true},
			{Name: "sort_order", Type: FieldInt, Rules: "gte=0"},
		},
	}
}

func analyticsDefinition() EntityDefinition {
	return EntityDefinition{
		Type:  EntityAnalytics,
		Label: "Analytics",
		Key:   []string{"day", "audiobook_id"},
		Fields: []FieldSpec{
			{Name: "day", Type: FieldDate, Required: true},
			{Name: "audiobook_id", Type: FieldUUID, Required: true},
			{Name: "plays", Type: FieldInt},
		},
	}
}

// registerFixtures replaces the registry with the test definitions.
func registerFixtures(t *testing.T) {
	t.Helper()
	clearRegistry()
	Register(bookDefinition())
	Register(categoryDefinition())
	Register(analyticsDefinition())
	t.Cleanup(clearRegistry)
}

func clearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[EntityType]EntityDefinition)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
