// Package geo mantém a árvore de referência geográfica (províncias até lotes).
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("nó geográfico não encontrado")
	ErrInvalidLevel = errors.New("nível geográfico inválido")
	ErrInvalidScope = errors.New("escopo geográfico inválido")
	ErrInvalidTree  = errors.New("hierarquia geográfica inválida")
)

// Level identifica o nível de um nó na hierarquia.
type Level string

const (
	LevelGovernorate  Level = "governorate"
	LevelDistrict     Level = "district"
	LevelSubDistrict  Level = "sub_district"
	LevelNeighborhood Level = "neighborhood"
	LevelUnit         Level = "unit"
	LevelBlock        Level = "block"
	LevelPlot         Level = "plot"
)

var levelRank = map[Level]int{
	LevelGovernorate:  0,
	LevelDistrict:     1,
	LevelSubDistrict:  2,
	LevelNeighborhood: 3,
	LevelUnit:         4,
	LevelBlock:        5,
	LevelPlot:         6,
}

// ParseLevel normaliza e valida o nível.
func ParseLevel(raw string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, raw)
	}
	return l, nil
}

// Rank devolve a profundidade do nível (0 = governorate).
func (l Level) Rank() int {
	r, ok := levelRank[l]
	if !ok {
		return -1
	}
	return r
}

// Assignable indica se o nível pode receber atribuições de jurisdição.
func (l Level) Assignable() bool {
	r := l.Rank()
	return r >= 0 && r <= levelRank[LevelNeighborhood]
}

// Node é um nó da árvore; a geometria é opaca para o núcleo.
type Node struct {
	ID       uuid.UUID       `json:"id" yaml:"id"`
	Level    Level           `json:"level" yaml:"level"`
	ParentID *uuid.UUID      `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Code     string          `json:"code" yaml:"code"`
	Name     string          `json:"name" yaml:"name"`
	Geometry json.RawMessage `json:"geometry,omitempty" yaml:"-"`
}

// Path é a sequência de ancestrais da raiz até o nó (inclusive).
type Path []uuid.UUID

// Contains indica se o nó id aparece no caminho.
func (p Path) Contains(id uuid.UUID) bool {
	for _, n := range p {
		if n == id {
			return true
		}
	}
	return false
}

// Leaf devolve o nó mais específico do caminho.
func (p Path) Leaf() uuid.UUID {
	if len(p) == 0 {
		return uuid.Nil
	}
	return p[len(p)-1]
}

// Strings converte o caminho para persistência.
func (p Path) Strings() []string {
	out := make([]string, len(p))
	for i, id := range p {
		out[i] = id.String()
	}
	return out
}

// ParsePath converte identificadores textuais em Path.
func ParsePath(raw []string) (Path, error) {
	out := make(Path, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
		out = append(out, id)
	}
	return out, nil
}

// Scope é a jurisdição de exatamente um nível administrativo.
// O valor zero é inválido; use os construtores.
type Scope struct {
	level Level
	id    uuid.UUID
}

// Governorate cria escopo de província.
func Governorate(id uuid.UUID) Scope { return Scope{level: LevelGovernorate, id: id} }

// District cria escopo de distrito.
func District(id uuid.UUID) Scope { return Scope{level: LevelDistrict, id: id} }

// SubDistrict cria escopo de subdistrito.
func SubDistrict(id uuid.UUID) Scope { return Scope{level: LevelSubDistrict, id: id} }

// Neighborhood cria escopo de bairro.
func Neighborhood(id uuid.UUID) Scope { return Scope{level: LevelNeighborhood, id: id} }

// NewScope valida nível e identificador.
func NewScope(level Level, id uuid.UUID) (Scope, error) {
	if !level.Assignable() {
		return Scope{}, fmt.Errorf("%w: nível %q não aceita atribuição", ErrInvalidScope, level)
	}
	if id == uuid.Nil {
		return Scope{}, fmt.Errorf("%w: identificador vazio", ErrInvalidScope)
	}
	return Scope{level: level, id: id}, nil
}

// ScopeFromColumns monta o escopo a partir das quatro colunas exclusivas
// (exatamente uma deve estar preenchida).
func ScopeFromColumns(governorate, district, subDistrict, neighborhood *uuid.UUID) (Scope, error) {
	var (
		found Scope
		count int
	)
	for _, c := range []struct {
		level Level
		id    *uuid.UUID
	}{
		{LevelGovernorate, governorate},
		{LevelDistrict, district},
		{LevelSubDistrict, subDistrict},
		{LevelNeighborhood, neighborhood},
	} {
		if c.id != nil && *c.id != uuid.Nil {
			count++
			found = Scope{level: c.level, id: *c.id}
		}
	}
	if count != 1 {
		return Scope{}, fmt.Errorf("%w: esperado exatamente um nível, recebido %d", ErrInvalidScope, count)
	}
	return found, nil
}

// Columns devolve as quatro colunas exclusivas para persistência.
func (s Scope) Columns() (governorate, district, subDistrict, neighborhood *uuid.UUID) {
	id := s.id
	switch s.level {
	case LevelGovernorate:
		governorate = &id
	case LevelDistrict:
		district = &id
	case LevelSubDistrict:
		subDistrict = &id
	case LevelNeighborhood:
		neighborhood = &id
	}
	return
}

func (s Scope) Level() Level      { return s.level }
func (s Scope) NodeID() uuid.UUID { return s.id }

// Valid indica se o escopo foi construído corretamente.
func (s Scope) Valid() bool {
	return s.level.Assignable() && s.id != uuid.Nil
}

func (s Scope) String() string {
	if !s.Valid() {
		return "invalid"
	}
	return string(s.level) + ":" + s.id.String()
}

// Covers indica se o escopo cobre o recurso com o caminho informado.
func (s Scope) Covers(p Path) bool {
	return s.Valid() && p.Contains(s.id)
}

type scopeJSON struct {
	Level  Level     `json:"level"`
	NodeID uuid.UUID `json:"node_id"`
}

func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeJSON{Level: s.level, NodeID: s.id})
}

func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewScope(raw.Level, raw.NodeID)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
