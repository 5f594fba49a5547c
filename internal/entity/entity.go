// Package entity define os esquemas das entidades sincronizáveis.
package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/changelog"
)

var (
	ErrUnknownTable = errors.New("tabela não sincronizável")
	ErrValidation   = errors.New("payload inválido")
)

// Payload é a forma tipada de um registro de uma das tabelas sincronizáveis.
type Payload interface {
	Table() string
	// GeoNode devolve o nó geográfico informado no payload, se presente.
	GeoNode() (uuid.UUID, bool)
	validate(create bool) error
}

type schema struct {
	newPayload func() Payload
}

var schemas = map[string]schema{
	TableSurveyPoints:        {newPayload: func() Payload { return &SurveyPoint{} }},
	TablePlotSurveys:         {newPayload: func() Payload { return &PlotSurvey{} }},
	TableBuildingInspections: {newPayload: func() Payload { return &BuildingInspection{} }},
	TableApplications:        {newPayload: func() Payload { return &Application{} }},
}

// Tables lista as tabelas sincronizáveis em ordem alfabética.
func Tables() []string {
	out := make([]string, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Known indica se a tabela participa da sincronização.
func Known(table string) bool {
	_, ok := schemas[table]
	return ok
}

// Permission devolve a ação LBAC da operação, ex.: "survey_points.update".
func Permission(table string, op changelog.Op) string {
	return table + "." + string(op)
}

// ReadPermission devolve a ação LBAC de leitura da tabela.
func ReadPermission(table string) string {
	return table + ".read"
}

// Decode valida o payload bruto da operação. Exclusões aceitam payload vazio
// e nesse caso devolvem Payload e Fields nulos.
func Decode(table string, op changelog.Op, raw json.RawMessage) (Payload, Fields, error) {
	sc, ok := schemas[table]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if op == changelog.OpDelete && isEmpty(raw) {
		return nil, nil, nil
	}
	if isEmpty(raw) {
		return nil, nil, fmt.Errorf("%w: payload obrigatório para %s", ErrValidation, op)
	}

	p := sc.newPayload()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields, err := ParseFields(raw)
	if err != nil {
		return nil, nil, err
	}
	if op != changelog.OpDelete {
		if err := p.validate(op == changelog.OpCreate); err != nil {
			return nil, nil, err
		}
	}
	return p, fields, nil
}

// ValidateRecord confere um registro completo (por exemplo, o resultado de
// uma mescla) contra o esquema da tabela.
func ValidateRecord(table string, raw json.RawMessage) error {
	_, _, err := Decode(table, changelog.OpCreate, raw)
	return err
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Fields é a visão por campo de um registro ou patch.
type Fields map[string]json.RawMessage

// ParseFields decodifica um objeto JSON em campos.
func ParseFields(raw json.RawMessage) (Fields, error) {
	if isEmpty(raw) {
		return Fields{}, nil
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// Merge devolve uma cópia de f com os campos de patch sobrepostos.
func (f Fields) Merge(patch Fields) Fields {
	out := make(Fields, len(f)+len(patch))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Keys lista os campos em ordem alfabética.
func (f Fields) Keys() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Equal compara o valor de um campo entre duas visões.
func (f Fields) Equal(other Fields, key string) bool {
	a, okA := f[key]
	b, okB := other[key]
	if okA != okB {
		return false
	}
	return bytes.Equal(compact(a), compact(b))
}

// JSON serializa os campos com chaves ordenadas.
func (f Fields) JSON() json.RawMessage {
	if f == nil {
		f = Fields{}
	}
	data, _ := json.Marshal(map[string]json.RawMessage(f))
	return data
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
