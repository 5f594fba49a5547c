package changelog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gestaozabele/geosync/internal/util"
)

// VersionSource aloca carimbos estritamente crescentes.
type VersionSource interface {
	Next(ctx context.Context) (Stamp, error)
}

// Observer incorpora carimbos vistos em outro nó.
type Observer interface {
	Observe(s Stamp)
}

// CounterSource é um contador monotônico local ao processo.
type CounterSource struct {
	n atomic.Int64
}

// NewCounterSource parte do carimbo informado (normalmente o high water).
func NewCounterSource(start Stamp) *CounterSource {
	c := &CounterSource{}
	c.n.Store(start.Version)
	return c
}

func (c *CounterSource) Next(ctx context.Context) (Stamp, error) {
	if err := ctx.Err(); err != nil {
		return Stamp{}, fmt.Errorf("%w: %v", ErrVersionUnavailable, err)
	}
	return Stamp{Version: c.n.Add(1)}, nil
}

func (c *CounterSource) Observe(s Stamp) {
	for {
		cur := c.n.Load()
		if s.Version <= cur || c.n.CompareAndSwap(cur, s.Version) {
			return
		}
	}
}

const (
	hlcNodeBits   = 10
	hlcMaxNode    = 1<<hlcNodeBits - 1
	hlcMaxLogical = 1<<(62-hlcNodeBits) - 1
)

// HLC é um relógio lógico híbrido: Version carrega o tempo de parede em
// milissegundos e Sequence o contador lógico com o identificador do nó nos
// bits baixos.
type HLC struct {
	mu      sync.Mutex
	node    int64
	wall    int64
	logical int64
	clock   util.Clock
}

// NewHLC cria o relógio para o nó informado (0..1023).
func NewHLC(node int, clock util.Clock) (*HLC, error) {
	if node < 0 || node > hlcMaxNode {
		return nil, fmt.Errorf("node id %d fora do intervalo 0..%d", node, hlcMaxNode)
	}
	return &HLC{node: int64(node), clock: clock}, nil
}

func (h *HLC) Next(ctx context.Context) (Stamp, error) {
	if err := ctx.Err(); err != nil {
		return Stamp{}, fmt.Errorf("%w: %v", ErrVersionUnavailable, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.OrNow().UnixMilli()
	if now > h.wall {
		h.wall = now
		h.logical = 0
	} else {
		h.logical++
		if h.logical > hlcMaxLogical {
			h.wall++
			h.logical = 0
		}
	}
	return h.stamp(), nil
}

func (h *HLC) Observe(s Stamp) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remoteLogical := s.Sequence >> hlcNodeBits
	switch {
	case s.Version > h.wall:
		h.wall = s.Version
		h.logical = remoteLogical
	case s.Version == h.wall && remoteLogical > h.logical:
		h.logical = remoteLogical
	}
}

func (h *HLC) stamp() Stamp {
	return Stamp{Version: h.wall, Sequence: h.logical<<hlcNodeBits | h.node}
}

// NewVersionSource escolhe a fonte conforme a configuração ("counter" ou "hlc").
func NewVersionSource(kind string, node int, start Stamp, clock util.Clock) (VersionSource, error) {
	switch kind {
	case "", "counter":
		return NewCounterSource(start), nil
	case "hlc":
		h, err := NewHLC(node, clock)
		if err != nil {
			return nil, err
		}
		h.Observe(start)
		return h, nil
	}
	return nil, fmt.Errorf("fonte de versão desconhecida: %q", kind)
}
