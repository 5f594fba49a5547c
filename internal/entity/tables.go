package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TableSurveyPoints        = "survey_points"
	TablePlotSurveys         = "plot_surveys"
	TableBuildingInspections = "building_inspections"
	TableApplications        = "applications"
)

// SurveyPoint é um ponto levantado em campo.
type SurveyPoint struct {
	GeoNodeID  *uuid.UUID `json:"geo_node_id,omitempty"`
	PointCode  *string    `json:"point_code,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	ElevationM *float64   `json:"elevation_m,omitempty"`
	AccuracyM  *float64   `json:"accuracy_m,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}

func (p *SurveyPoint) Table() string              { return TableSurveyPoints }
func (p *SurveyPoint) GeoNode() (uuid.UUID, bool) { return geoNode(p.GeoNodeID) }

func (p *SurveyPoint) validate(create bool) error {
	v := validator{create: create}
	v.node(p.GeoNodeID)
	v.text("point_code", p.PointCode, 64)
	v.numberRange("latitude", p.Latitude, -90, 90, true)
	v.numberRange("longitude", p.Longitude, -180, 180, true)
	v.numberRange("accuracy_m", p.AccuracyM, 0, 1000, false)
	v.optionalText("notes", p.Notes, 2000)
	return v.err()
}

// PlotSurvey é o levantamento de um lote.
type PlotSurvey struct {
	GeoNodeID      *uuid.UUID      `json:"geo_node_id,omitempty"`
	PlotNumber     *string         `json:"plot_number,omitempty"`
	Boundary       json.RawMessage `json:"boundary,omitempty"`
	AreaSqm        *float64        `json:"area_sqm,omitempty"`
	LandUse        *string         `json:"land_use,omitempty"`
	SurveyorNotes  *string         `json:"surveyor_notes,omitempty"`
	ApprovalStatus *string         `json:"approval_status,omitempty"`
}

func (p *PlotSurvey) Table() string              { return TablePlotSurveys }
func (p *PlotSurvey) GeoNode() (uuid.UUID, bool) { return geoNode(p.GeoNodeID) }

func (p *PlotSurvey) validate(create bool) error {
	v := validator{create: create}
	v.node(p.GeoNodeID)
	v.text("plot_number", p.PlotNumber, 64)
	v.geometry("boundary", p.Boundary)
	v.numberRange("area_sqm", p.AreaSqm, 0, 1e9, false)
	v.enum("land_use", p.LandUse, false, "residential", "commercial", "agricultural", "public", "mixed")
	v.optionalText("surveyor_notes", p.SurveyorNotes, 4000)
	v.enum("approval_status", p.ApprovalStatus, false, "pending", "approved", "rejected")
	return v.err()
}

// BuildingInspection é a vistoria de uma edificação.
type BuildingInspection struct {
	GeoNodeID           *uuid.UUID `json:"geo_node_id,omitempty"`
	BuildingCode        *string    `json:"building_code,omitempty"`
	InspectionDate      *string    `json:"inspection_date,omitempty"`
	Floors              *int       `json:"floors,omitempty"`
	StructuralCondition *string    `json:"structural_condition,omitempty"`
	Occupancy           *string    `json:"occupancy,omitempty"`
	InspectorNotes      *string    `json:"inspector_notes,omitempty"`
}

func (p *BuildingInspection) Table() string              { return TableBuildingInspections }
func (p *BuildingInspection) GeoNode() (uuid.UUID, bool) { return geoNode(p.GeoNodeID) }

func (p *BuildingInspection) validate(create bool) error {
	v := validator{create: create}
	v.node(p.GeoNodeID)
	v.text("building_code", p.BuildingCode, 64)
	v.date("inspection_date", p.InspectionDate)
	if p.Floors != nil && (*p.Floors < 0 || *p.Floors > 200) {
		v.fail("floors", "fora do intervalo")
	}
	v.enum("structural_condition", p.StructuralCondition, false, "good", "fair", "poor", "critical")
	v.enum("occupancy", p.Occupancy, false, "occupied", "vacant", "under_construction")
	v.optionalText("inspector_notes", p.InspectorNotes, 4000)
	return v.err()
}

// Application é o pedido do cidadão com anotações de campo.
type Application struct {
	GeoNodeID         *uuid.UUID `json:"geo_node_id,omitempty"`
	ApplicationNumber *string    `json:"application_number,omitempty"`
	ApplicantName     *string    `json:"applicant_name,omitempty"`
	ServiceType       *string    `json:"service_type,omitempty"`
	Status            *string    `json:"status,omitempty"`
	FieldNotes        *string    `json:"field_notes,omitempty"`
}

func (p *Application) Table() string              { return TableApplications }
func (p *Application) GeoNode() (uuid.UUID, bool) { return geoNode(p.GeoNodeID) }

func (p *Application) validate(create bool) error {
	v := validator{create: create}
	v.node(p.GeoNodeID)
	v.text("application_number", p.ApplicationNumber, 64)
	v.text("applicant_name", p.ApplicantName, 200)
	v.optionalText("service_type", p.ServiceType, 100)
	v.enum("status", p.Status, false, "submitted", "under_review", "approved", "rejected")
	v.optionalText("field_notes", p.FieldNotes, 4000)
	return v.err()
}

func geoNode(id *uuid.UUID) (uuid.UUID, bool) {
	if id == nil || *id == uuid.Nil {
		return uuid.Nil, false
	}
	return *id, true
}

// validator acumula falhas; create exige os campos obrigatórios.
type validator struct {
	create   bool
	problems []string
}

func (v *validator) fail(field, msg string) {
	v.problems = append(v.problems, field+": "+msg)
}

func (v *validator) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(v.problems, "; "))
}

func (v *validator) node(id *uuid.UUID) {
	if id == nil {
		if v.create {
			v.fail("geo_node_id", "obrigatório")
		}
		return
	}
	if *id == uuid.Nil {
		v.fail("geo_node_id", "inválido")
	}
}

func (v *validator) text(field string, s *string, max int) {
	if s == nil {
		if v.create {
			v.fail(field, "obrigatório")
		}
		return
	}
	if strings.TrimSpace(*s) == "" {
		v.fail(field, "vazio")
		return
	}
	if len(*s) > max {
		v.fail(field, "muito longo")
	}
}

func (v *validator) optionalText(field string, s *string, max int) {
	if s != nil && len(*s) > max {
		v.fail(field, "muito longo")
	}
}

func (v *validator) numberRange(field string, n *float64, min, max float64, required bool) {
	if n == nil {
		if required && v.create {
			v.fail(field, "obrigatório")
		}
		return
	}
	if *n < min || *n > max {
		v.fail(field, "fora do intervalo")
	}
}

func (v *validator) enum(field string, s *string, required bool, allowed ...string) {
	if s == nil {
		if required && v.create {
			v.fail(field, "obrigatório")
		}
		return
	}
	for _, a := range allowed {
		if *s == a {
			return
		}
	}
	v.fail(field, fmt.Sprintf("valor %q não permitido", *s))
}

func (v *validator) date(field string, s *string) {
	if s == nil {
		if v.create {
			v.fail(field, "obrigatório")
		}
		return
	}
	if _, err := time.Parse("2006-01-02", *s); err != nil {
		v.fail(field, "data inválida (AAAA-MM-DD)")
	}
}

func (v *validator) geometry(field string, raw json.RawMessage) {
	if isEmpty(raw) {
		if v.create {
			v.fail(field, "obrigatório")
		}
		return
	}
	var g struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &g); err != nil || g.Type == "" || len(g.Coordinates) == 0 {
		v.fail(field, "GeoJSON inválido")
	}
}
