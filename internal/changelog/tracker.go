package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/db"
)

// Tracker registra mutações aceitas e responde consultas sobre o log.
type Tracker struct {
	store  Store
	logger zerolog.Logger
}

// NewTracker cria o rastreador sobre o store informado.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:  store,
		logger: log.With().Str("component", "changelog").Logger(),
	}
}

// RecordChange inclui a mutação no log. O segundo retorno indica que a
// chave de idempotência já havia sido registrada e a entrada existente foi
// devolvida sem nova escrita.
func (t *Tracker) RecordChange(ctx context.Context, c Change) (Entry, bool, error) {
	if err := c.validate(); err != nil {
		return Entry{}, false, apperr.Wrap(apperr.KindRejected, apperr.CodeValidationFailed, err)
	}
	entry, replayed, err := t.store.Append(ctx, c)
	if err != nil {
		return Entry{}, false, classify(err)
	}
	if replayed {
		t.logger.Debug().
			Str("device_id", c.DeviceID).
			Str("client_change_id", c.IdempotencyKey).
			Str("version", entry.Stamp.String()).
			Msg("alteração repetida ignorada")
	}
	return entry, replayed, nil
}

// Find devolve a entrada gravada para a chave de idempotência.
func (t *Tracker) Find(ctx context.Context, deviceID, key string) (Entry, error) {
	e, err := t.store.FindByIdempotencyKey(ctx, deviceID, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, classify(err)
	}
	return e, err
}

// Latest devolve a última entrada do registro (o estado atual do servidor).
func (t *Tracker) Latest(ctx context.Context, table, recordID string) (Entry, error) {
	e, err := t.store.Latest(ctx, table, recordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, classify(err)
	}
	return e, err
}

// ChangedFieldsSince lista os campos alterados no registro depois do carimbo base.
// O segundo retorno indica se houve exclusão nesse intervalo.
func (t *Tracker) ChangedFieldsSince(ctx context.Context, table, recordID string, base Stamp) ([]string, bool, error) {
	entries, err := t.store.After(ctx, table, recordID, base)
	if err != nil {
		return nil, false, classify(err)
	}
	seen := make(map[string]struct{})
	deleted := false
	for _, e := range entries {
		if e.Operation == OpDelete {
			deleted = true
			continue
		}
		raw := e.Diff
		if len(raw) == 0 {
			raw = e.Snapshot
		}
		var fields map[string]json.RawMessage
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, false, err
			}
		}
		for k := range fields {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, deleted, nil
}

// Since devolve entradas em (q.From, q.To] em ordem de carimbo.
func (t *Tracker) Since(ctx context.Context, q RangeQuery) ([]Entry, error) {
	entries, err := t.store.Range(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// HighWater devolve o maior carimbo já confirmado.
func (t *Tracker) HighWater(ctx context.Context) (Stamp, error) {
	s, err := t.store.HighWater(ctx)
	if err != nil {
		return Stamp{}, classify(err)
	}
	return s, nil
}

func classify(err error) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, ErrVersionUnavailable):
		return apperr.Retryable(apperr.CodeVersionUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded), db.IsTransient(err):
		return apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	return err
}

// History devolve todas as entradas do registro em ordem de carimbo.
func (t *Tracker) History(ctx context.Context, table, recordID string) ([]Entry, error) {
	entries, err := t.store.After(ctx, table, recordID, Stamp{})
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}
