package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/idost/parasto-jobs/internal/codec"
	"github.com/idost/parasto-jobs/internal/core"
)

// EntityColumn describes one column of an entity for API clients.
type EntityColumn struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Values   []string `json:"values,omitempty"`
}

// EntityInfo describes an entity type for API clients.
type EntityInfo struct {
	Type       core.EntityType `json:"type"`
	Label      string          `json:"label"`
	Importable bool            `json:"importable"`
	Key        []string        `json:"key"`
	Columns    []EntityColumn  `json:"columns"`
}

func entityInfo(def core.EntityDefinition) EntityInfo {
	cols := make([]EntityColumn, len(def.Fields))
	for i, f := range def.Fields {
		cols[i] = EntityColumn{
			Name:     f.Name,
			Type:     f.Type.String(),
			Required: f.Required,
			Values:   f.EnumValues,
		}
	}
	return EntityInfo{
		Type:       def.Type,
		Label:      def.Label,
		Importable: def.Importable,
		Key:        def.Key,
		Columns:    cols,
	}
}

// handleListEntities returns the entity catalog with supported formats.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	defs := core.Entities()
	infos := make([]EntityInfo, len(defs))
	for i, def := range defs {
		infos[i] = entityInfo(def)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": infos,
		"formats":  codec.Formats(),
	})
}

// handleEntityTemplate downloads a header-only CSV to fill in for imports.
func (s *Server) handleEntityTemplate(w http.ResponseWriter, r *http.Request) {
	entity := core.EntityType(chi.URLParam(r, "entityType"))
	def, ok := core.Lookup(entity)
	if !ok {
		respondError(w, r, fmt.Errorf("%w: %q", core.ErrUnknownEntity, entity), http.StatusNotFound)
		return
	}
	if !def.Importable {
		respondEngineError(w, r, fmt.Errorf("%w: %s", core.ErrImportNotSupported, entity))
		return
	}

	w.Header().Set("Content-Type", codec.FormatCSV.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", string(entity)+"-template.csv"))

	enc, err := codec.NewEncoder(codec.FormatCSV, w, def.Columns())
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if err := enc.Close(); err != nil {
		respondEngineError(w, r, err)
	}
}
