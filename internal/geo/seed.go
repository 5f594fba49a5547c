package geo

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Nodes []seedNode `yaml:"nodes"`
}

type seedNode struct {
	ID       string     `yaml:"id"`
	Level    string     `yaml:"level"`
	Code     string     `yaml:"code"`
	Name     string     `yaml:"name"`
	Children []seedNode `yaml:"children"`
}

// ParseSeed lê um arquivo YAML aninhado (governorate → district → ...) e
// devolve a lista plana de nós, já validada como árvore.
func ParseSeed(r io.Reader) ([]Node, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	var out []Node
	var walk func(parent *uuid.UUID, items []seedNode) error
	walk = func(parent *uuid.UUID, items []seedNode) error {
		for _, item := range items {
			level, err := ParseLevel(item.Level)
			if err != nil {
				return err
			}
			id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("geo:"+strings.ToUpper(strings.TrimSpace(item.Code))))
			if strings.TrimSpace(item.ID) != "" {
				if id, err = uuid.Parse(item.ID); err != nil {
					return fmt.Errorf("seed: id inválido %q", item.ID)
				}
			}
			n := Node{ID: id, Level: level, ParentID: parent, Code: item.Code, Name: item.Name}
			out = append(out, n)
			nodeID := id
			if err := walk(&nodeID, item.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(nil, f.Nodes); err != nil {
		return nil, err
	}

	if _, err := NewTree(out); err != nil {
		return nil, err
	}
	return out, nil
}
