// Package changelog mantém o log ordenado e imutável de mutações sincronizáveis.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/geo"
)

var (
	ErrNotFound           = errors.New("change entry not found")
	ErrVersionUnavailable = errors.New("change version unavailable")
	ErrInvalidCursor      = errors.New("cursor inválido")
	ErrInvalidChange      = errors.New("alteração inválida")
	ErrStaleBase          = errors.New("registro alterado desde a leitura")
)

// Op é o tipo de operação registrada.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ParseOp valida o tipo de operação.
func ParseOp(raw string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(raw))); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("%w: operação %q", ErrInvalidChange, raw)
}

// Stamp ordena totalmente as entradas: primeiro Version, depois Sequence.
// Também serve de cursor de sincronização, renderizado como "<version>.<sequence>".
type Stamp struct {
	Version  int64
	Sequence int64
}

// Compare devolve -1, 0 ou 1.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Version < o.Version:
		return -1
	case s.Version > o.Version:
		return 1
	case s.Sequence < o.Sequence:
		return -1
	case s.Sequence > o.Sequence:
		return 1
	}
	return 0
}

func (s Stamp) Less(o Stamp) bool { return s.Compare(o) < 0 }

func (s Stamp) IsZero() bool { return s.Version == 0 && s.Sequence == 0 }

func (s Stamp) String() string {
	return strconv.FormatInt(s.Version, 10) + "." + strconv.FormatInt(s.Sequence, 10)
}

// ParseStamp aceita "<version>.<sequence>", "<version>" ou vazio (zero).
func ParseStamp(raw string) (Stamp, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Stamp{}, nil
	}
	vPart, sPart, hasSeq := strings.Cut(raw, ".")
	v, err := strconv.ParseInt(vPart, 10, 64)
	if err != nil || v < 0 {
		return Stamp{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	var seq int64
	if hasSeq {
		seq, err = strconv.ParseInt(sPart, 10, 64)
		if err != nil || seq < 0 {
			return Stamp{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
		}
	}
	return Stamp{Version: v, Sequence: seq}, nil
}

func (s Stamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n int64
		if errNum := json.Unmarshal(data, &n); errNum != nil {
			return fmt.Errorf("%w: %s", ErrInvalidCursor, string(data))
		}
		raw = strconv.FormatInt(n, 10)
	}
	parsed, err := ParseStamp(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MaxStamp devolve o maior dos dois.
func MaxStamp(a, b Stamp) Stamp {
	if a.Less(b) {
		return b
	}
	return a
}

// Entry é uma mutação aceita; nunca é alterada após a criação.
type Entry struct {
	ID             uuid.UUID       `json:"id"`
	Table          string          `json:"table"`
	RecordID       string          `json:"record_id"`
	Stamp          Stamp           `json:"version"`
	Operation      Op              `json:"op"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	Diff           json.RawMessage `json:"diff,omitempty"`
	GeoNodeID      uuid.UUID       `json:"geo_node_id"`
	GeoPath        geo.Path        `json:"geo_path"`
	ActorID        uuid.UUID       `json:"actor_id"`
	DeviceID       string          `json:"device_id,omitempty"`
	ClientChangeID string          `json:"client_change_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Change descreve a mutação a registrar.
type Change struct {
	ActorID        uuid.UUID
	DeviceID       string
	IdempotencyKey string
	Table          string
	RecordID       string
	Op             Op
	Snapshot       json.RawMessage
	Diff           json.RawMessage
	GeoNodeID      uuid.UUID
	GeoPath        geo.Path
	// ExpectedLatest, quando presente, exige que o carimbo mais recente do
	// registro ainda seja este no momento da inclusão. Carimbo zero exige
	// registro sem histórico.
	ExpectedLatest *Stamp
	// Within roda na mesma unidade atômica da inclusão; erro desfaz a inclusão.
	Within func(ctx context.Context, e Entry) error
}

func (c Change) validate() error {
	switch {
	case strings.TrimSpace(c.Table) == "":
		return fmt.Errorf("%w: tabela obrigatória", ErrInvalidChange)
	case strings.TrimSpace(c.RecordID) == "":
		return fmt.Errorf("%w: registro obrigatório", ErrInvalidChange)
	case c.ActorID == uuid.Nil:
		return fmt.Errorf("%w: ator obrigatório", ErrInvalidChange)
	case len(c.GeoPath) == 0 || c.GeoPath.Leaf() != c.GeoNodeID:
		return fmt.Errorf("%w: escopo geográfico ausente", ErrInvalidChange)
	}
	if _, err := ParseOp(string(c.Op)); err != nil {
		return err
	}
	if c.Op != OpDelete && len(c.Snapshot) == 0 {
		return fmt.Errorf("%w: snapshot obrigatório", ErrInvalidChange)
	}
	return nil
}

// RangeQuery seleciona entradas em (From, To], opcionalmente por tabela e
// por nós geográficos (interseção com o caminho).
type RangeQuery struct {
	From  Stamp
	To    Stamp
	Table string
	Nodes []uuid.UUID
	Limit int
}

// Store persiste o log. Implementações garantem ordem total e exatamente
// uma entrada por (DeviceID, IdempotencyKey).
type Store interface {
	Append(ctx context.Context, c Change) (Entry, bool, error)
	FindByIdempotencyKey(ctx context.Context, deviceID, key string) (Entry, error)
	Latest(ctx context.Context, table, recordID string) (Entry, error)
	After(ctx context.Context, table, recordID string, base Stamp) ([]Entry, error)
	Range(ctx context.Context, q RangeQuery) ([]Entry, error)
	HighWater(ctx context.Context) (Stamp, error)
}
