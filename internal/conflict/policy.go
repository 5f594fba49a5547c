package conflict

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gestaozabele/geosync/internal/entity"
)

// TablePolicy define a política de uma tabela e as exceções por campo.
type TablePolicy struct {
	Policy           Resolution            `yaml:"policy"`
	Fields           map[string]Resolution `yaml:"fields"`
	PreserveOnDelete bool                  `yaml:"preserve_on_delete"`
}

// Policy é a tabela de resoluções por tabela e campo.
type Policy struct {
	Default Resolution             `yaml:"default"`
	Tables  map[string]TablePolicy `yaml:"tables"`
}

// DefaultPolicy é a tabela embutida: dados de campo favorecem o cliente,
// campos de aprovação favorecem o servidor.
func DefaultPolicy() Policy {
	return Policy{
		Default: Manual,
		Tables: map[string]TablePolicy{
			entity.TableSurveyPoints: {
				Policy:           ClientWins,
				PreserveOnDelete: true,
			},
			entity.TablePlotSurveys: {
				Policy: Merge,
				Fields: map[string]Resolution{
					"approval_status": ServerWins,
					"boundary":        ClientWins,
				},
			},
			entity.TableBuildingInspections: {
				Policy: Merge,
				Fields: map[string]Resolution{
					"inspector_notes": ClientWins,
				},
			},
			entity.TableApplications: {
				Policy: ServerWins,
				Fields: map[string]Resolution{
					"field_notes": Merge,
				},
			},
		},
	}
}

// LoadPolicy lê a tabela em YAML. Tabelas ausentes do arquivo mantêm a
// política embutida.
func LoadPolicy(r io.Reader) (Policy, error) {
	var parsed Policy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil && err != io.EOF {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	p := DefaultPolicy()
	if parsed.Default != "" {
		p.Default = parsed.Default
	}
	for table, tp := range parsed.Tables {
		p.Tables[table] = tp
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicyFile lê o arquivo informado; caminho vazio devolve a política embutida.
func LoadPolicyFile(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, err
	}
	defer f.Close()
	return LoadPolicy(f)
}

// Validate confere tabelas conhecidas e resoluções configuráveis.
func (p Policy) Validate() error {
	if !configurable(p.Default) {
		return fmt.Errorf("%w: default %q", ErrInvalidPolicy, p.Default)
	}
	for table, tp := range p.Tables {
		if !entity.Known(table) {
			return fmt.Errorf("%w: tabela %q", ErrInvalidPolicy, table)
		}
		if tp.Policy != "" && !configurable(tp.Policy) {
			return fmt.Errorf("%w: %s.policy %q", ErrInvalidPolicy, table, tp.Policy)
		}
		for field, r := range tp.Fields {
			if !configurable(r) {
				return fmt.Errorf("%w: %s.%s %q", ErrInvalidPolicy, table, field, r)
			}
		}
	}
	return nil
}

func configurable(r Resolution) bool {
	switch r {
	case ServerWins, ClientWins, Merge, Manual:
		return true
	}
	return false
}

// ForTable devolve a política da tabela (ou o default).
func (p Policy) ForTable(table string) Resolution {
	if tp, ok := p.Tables[table]; ok && tp.Policy != "" {
		return tp.Policy
	}
	return p.Default
}

// ForField devolve a política do campo, caindo na da tabela.
func (p Policy) ForField(table, field string) Resolution {
	if tp, ok := p.Tables[table]; ok {
		if r, ok := tp.Fields[field]; ok {
			return r
		}
	}
	return p.ForTable(table)
}

// PreserveOnDelete indica se edições do cliente não podem ser descartadas
// por uma exclusão no servidor.
func (p Policy) PreserveOnDelete(table string) bool {
	return p.Tables[table].PreserveOnDelete
}
