package geo

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Tree é a hierarquia carregada em memória. Leituras concorrentes são seguras;
// Reload troca o conteúdo atomicamente.
type Tree struct {
	mu       sync.RWMutex
	nodes    map[uuid.UUID]Node
	children map[uuid.UUID][]uuid.UUID
	paths    map[uuid.UUID]Path
}

// NewTree valida os nós e constrói a árvore.
func NewTree(nodes []Node) (*Tree, error) {
	t := &Tree{}
	if err := t.Reload(nodes); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload substitui o conteúdo após validar a nova hierarquia.
func (t *Tree) Reload(nodes []Node) error {
	byID := make(map[uuid.UUID]Node, len(nodes))
	for _, n := range nodes {
		if n.ID == uuid.Nil {
			return fmt.Errorf("%w: nó sem identificador", ErrInvalidTree)
		}
		if n.Level.Rank() < 0 {
			return fmt.Errorf("%w: nó %s com nível %q", ErrInvalidTree, n.ID, n.Level)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: nó %s duplicado", ErrInvalidTree, n.ID)
		}
		byID[n.ID] = n
	}

	children := make(map[uuid.UUID][]uuid.UUID)
	for _, n := range byID {
		if n.ParentID == nil {
			if n.Level != LevelGovernorate {
				return fmt.Errorf("%w: nó raiz %s deve ser governorate", ErrInvalidTree, n.ID)
			}
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok {
			return fmt.Errorf("%w: pai %s do nó %s inexistente", ErrInvalidTree, *n.ParentID, n.ID)
		}
		// o nível do pai é estritamente superior, o que também impede ciclos
		if parent.Level.Rank() >= n.Level.Rank() {
			return fmt.Errorf("%w: nó %s (%s) sob %s (%s)", ErrInvalidTree, n.ID, n.Level, parent.ID, parent.Level)
		}
		children[parent.ID] = append(children[parent.ID], n.ID)
	}

	paths := make(map[uuid.UUID]Path, len(byID))
	for id := range byID {
		paths[id] = buildPath(byID, id)
	}

	t.mu.Lock()
	t.nodes = byID
	t.children = children
	t.paths = paths
	t.mu.Unlock()
	return nil
}

func buildPath(byID map[uuid.UUID]Node, id uuid.UUID) Path {
	var rev Path
	cur, ok := byID[id]
	for ok {
		rev = append(rev, cur.ID)
		if cur.ParentID == nil {
			break
		}
		cur, ok = byID[*cur.ParentID]
	}
	out := make(Path, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out
}

// Node devolve o nó pelo identificador.
func (t *Tree) Node(id uuid.UUID) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

// Path devolve o caminho raiz→nó.
func (t *Tree) Path(id uuid.UUID) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.paths[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(Path, len(p))
	copy(out, p)
	return out, nil
}

// Contains indica se node está sob ancestor (ou é o próprio).
func (t *Tree) Contains(ancestor, node uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.paths[node]
	return ok && p.Contains(ancestor)
}

// Children lista os filhos diretos.
func (t *Tree) Children(id uuid.UUID) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uuid.UUID, len(t.children[id]))
	copy(out, t.children[id])
	return out
}

// ScopeOf devolve o escopo administrativo mais específico que contém o nó
// (o próprio nó quando ele já é bairro ou superior).
func (t *Tree) ScopeOf(id uuid.UUID) (Scope, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.paths[id]
	if !ok {
		return Scope{}, ErrNotFound
	}
	for i := len(p) - 1; i >= 0; i-- {
		n := t.nodes[p[i]]
		if n.Level.Assignable() {
			return Scope{level: n.Level, id: n.ID}, nil
		}
	}
	return Scope{}, ErrInvalidScope
}

// Validate confirma que o escopo aponta para um nó existente do mesmo nível.
func (t *Tree) Validate(s Scope) error {
	if !s.Valid() {
		return ErrInvalidScope
	}
	n, err := t.Node(s.NodeID())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidScope, s)
	}
	if n.Level != s.Level() {
		return fmt.Errorf("%w: nó %s é %s, não %s", ErrInvalidScope, n.ID, n.Level, s.Level())
	}
	return nil
}

// Len devolve a quantidade de nós carregados.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// NodeSource fornece os nós persistidos.
type NodeSource interface {
	LoadAll(ctx context.Context) ([]Node, error)
}

// Loader mantém a árvore em memória alinhada com a fonte persistida.
type Loader struct {
	src  NodeSource
	tree *Tree
}

func NewLoader(src NodeSource, tree *Tree) *Loader {
	return &Loader{src: src, tree: tree}
}

// Refresh recarrega a árvore e devolve a quantidade de nós. Uma hierarquia
// inválida mantém a árvore anterior.
func (l *Loader) Refresh(ctx context.Context) (int, error) {
	nodes, err := l.src.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := l.tree.Reload(nodes); err != nil {
		return 0, err
	}
	return l.tree.Len(), nil
}
