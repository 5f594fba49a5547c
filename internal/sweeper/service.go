// Package sweeper executa a manutenção periódica do motor de sincronização:
// sessões ociosas, propagação e coleta de lápides e vigência de escopos.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gestaozabele/geosync/internal/config"
	"github.com/gestaozabele/geosync/internal/tombstone"
)

// SessionExpirer cancela sessões sem atividade.
type SessionExpirer interface {
	ExpireIdle(ctx context.Context) (int, error)
}

// TombstoneSweeper propaga, coleta e lista lápides a escalar.
type TombstoneSweeper interface {
	Sweep(ctx context.Context) (tombstone.SweepResult, error)
	Escalations(ctx context.Context) ([]tombstone.Tombstone, error)
	MarkEscalated(ctx context.Context, ids []uuid.UUID) error
}

// ScopeMaintainer aplica a vigência de atribuições e delegações.
type ScopeMaintainer interface {
	ExpireAssignments(ctx context.Context) (int, error)
	RefreshDelegations(ctx context.Context) (int, error)
}

// TreeRefresher recarrega a hierarquia geográfica carregada em memória.
type TreeRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// RunRecorder guarda o resultado de cada execução.
type RunRecorder interface {
	InsertRun(ctx context.Context, run Run) error
}

// Run resume uma execução.
type Run struct {
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	ExpiredSessions    int       `json:"expired_sessions"`
	Propagated         int       `json:"propagated"`
	Collected          int       `json:"collected"`
	Escalated          int       `json:"escalated"`
	AssignmentsChanged int       `json:"assignments_changed"`
	DelegationsChanged int       `json:"delegations_changed"`
	GeoNodes           int       `json:"geo_nodes"`
	ArchiveKey         string    `json:"archive_key,omitempty"`
	Errors             []string  `json:"errors,omitempty"`
}

// Deps agrupa as rotinas mantidas pelo sweeper. Campos nulos são ignorados.
type Deps struct {
	Sessions   SessionExpirer
	Tombstones TombstoneSweeper
	Scopes     ScopeMaintainer
	Geo        TreeRefresher
	Runs       RunRecorder
	Notifier   Notifier
}

// Service executa as rotinas em intervalo fixo.
type Service struct {
	deps   Deps
	cfg    config.SweeperConfig
	logger zerolog.Logger
	now    func() time.Time

	once     sync.Once
	startErr error
	cancel   context.CancelFunc

	mu   sync.Mutex
	last *Run
}

func NewService(deps Deps, cfg config.SweeperConfig, logger zerolog.Logger) *Service {
	return &Service{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Start inicia loop periódico. Safe para chamar múltiplas vezes.
func (s *Service) Start(parent context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.once.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		s.cancel = cancel
		go s.runLoop(ctx)
	})
	return s.startErr
}

// Stop encerra loop periódico.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) runLoop(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("sweeper: loop iniciado")

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweeper: primeira execução falhou")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper: loop encerrado")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweeper: execução periódica falhou")
			}
		}
	}
}

// RunOnce executa todas as rotinas em paralelo. A falha de uma não
// interrompe as demais; os erros são devolvidos juntos.
func (s *Service) RunOnce(ctx context.Context) (Run, error) {
	run := Run{StartedAt: s.now()}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	fail := func(task string, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, fmt.Errorf("%s: %w", task, err))
		run.Errors = append(run.Errors, task+": "+err.Error())
	}

	if s.deps.Sessions != nil {
		g.Go(func() error {
			n, err := s.deps.Sessions.ExpireIdle(ctx)
			if err != nil {
				fail("sessões ociosas", err)
			}
			run.ExpiredSessions = n
			return nil
		})
	}
	if s.deps.Tombstones != nil {
		g.Go(func() error {
			res, err := s.deps.Tombstones.Sweep(ctx)
			if err != nil {
				fail("lápides", err)
			}
			run.Propagated = res.Propagated
			run.Collected = res.Collected
			run.ArchiveKey = res.ArchiveKey
			n, err := s.escalate(ctx)
			if err != nil {
				fail("escalonamento", err)
			}
			run.Escalated = n
			return nil
		})
	}
	if s.deps.Scopes != nil {
		g.Go(func() error {
			n, err := s.deps.Scopes.ExpireAssignments(ctx)
			if err != nil {
				fail("atribuições", err)
			}
			run.AssignmentsChanged = n
			n, err = s.deps.Scopes.RefreshDelegations(ctx)
			if err != nil {
				fail("delegações", err)
			}
			run.DelegationsChanged = n
			return nil
		})
	}
	if s.deps.Geo != nil {
		g.Go(func() error {
			n, err := s.deps.Geo.Refresh(ctx)
			if err != nil {
				fail("hierarquia geográfica", err)
			}
			run.GeoNodes = n
			return nil
		})
	}
	_ = g.Wait()
	run.FinishedAt = s.now()

	if s.deps.Runs != nil {
		if err := s.deps.Runs.InsertRun(ctx, run); err != nil {
			s.logger.Error().Err(err).Msg("sweeper: falha ao registrar execução")
		}
	}
	s.mu.Lock()
	s.last = &run
	s.mu.Unlock()

	s.logger.Debug().
		Int("expired_sessions", run.ExpiredSessions).
		Int("propagated", run.Propagated).
		Int("collected", run.Collected).
		Int("escalated", run.Escalated).
		Msg("sweeper: execução concluída")
	return run, errors.Join(errs...)
}

// escalate avisa a revisão sobre lápides que esgotaram as tentativas de
// propagação. Sem notificador o aviso fica apenas no log.
func (s *Service) escalate(ctx context.Context) (int, error) {
	pending, err := s.deps.Tombstones.Escalations(ctx)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	ids := make([]uuid.UUID, len(pending))
	items := make([]string, len(pending))
	for i, t := range pending {
		ids[i] = t.ID
		items[i] = fmt.Sprintf("%s/%s versão %s (%d tentativas)", t.Table, t.RecordID, t.Stamp, t.PropagationAttempts)
	}
	msg := AlertMessage{
		Title:    "Exclusões sem confirmação dos dispositivos",
		Text:     fmt.Sprintf("%d lápide(s) não foram confirmadas por todos os dispositivos elegíveis.", len(pending)),
		Severity: "warning",
		Items:    items,
	}
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.Notify(ctx, msg); err != nil {
			return 0, err
		}
	} else {
		s.logger.Warn().Strs("tombstones", items).Msg("sweeper: lápides aguardando revisão")
	}
	if err := s.deps.Tombstones.MarkEscalated(ctx, ids); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// LastRun devolve a última execução desta instância.
func (s *Service) LastRun() (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Run{}, false
	}
	return *s.last, true
}
