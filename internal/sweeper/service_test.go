package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/config"
	"github.com/gestaozabele/geosync/internal/tombstone"
)

type fakeSessions struct{ n int }

func (f *fakeSessions) ExpireIdle(context.Context) (int, error) { return f.n, nil }

type fakeTombstones struct {
	mu        sync.Mutex
	result    tombstone.SweepResult
	sweepErr  error
	pending   []tombstone.Tombstone
	escalated []uuid.UUID
}

func (f *fakeTombstones) Sweep(context.Context) (tombstone.SweepResult, error) {
	return f.result, f.sweepErr
}

func (f *fakeTombstones) Escalations(context.Context) ([]tombstone.Tombstone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeTombstones) MarkEscalated(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, ids...)
	f.pending = nil
	return nil
}

type fakeScopes struct{ expired, refreshed int }

func (f *fakeScopes) ExpireAssignments(context.Context) (int, error)  { return f.expired, nil }
func (f *fakeScopes) RefreshDelegations(context.Context) (int, error) { return f.refreshed, nil }

type fakeGeo struct{ nodes int }

func (f fakeGeo) Refresh(context.Context) (int, error) { return f.nodes, nil }

type fakeRuns struct{ runs []Run }

func (f *fakeRuns) InsertRun(_ context.Context, run Run) error {
	f.runs = append(f.runs, run)
	return nil
}

func pendingTombstone() tombstone.Tombstone {
	return tombstone.Tombstone{
		ID:                  uuid.New(),
		Table:               "survey_points",
		RecordID:            "pt-1",
		Stamp:               changelog.Stamp{Version: 7},
		PropagationAttempts: 10,
	}
}

func TestRunOnceExecutesEveryTask(t *testing.T) {
	var received []map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stone := pendingTombstone()
	tombs := &fakeTombstones{
		result:  tombstone.SweepResult{Propagated: 2, Collected: 1, ArchiveKey: "tombstones/x.json.sz"},
		pending: []tombstone.Tombstone{stone},
	}
	runs := &fakeRuns{}
	svc := NewService(Deps{
		Sessions:   &fakeSessions{n: 3},
		Tombstones: tombs,
		Scopes:     &fakeScopes{expired: 4, refreshed: 5},
		Geo:        fakeGeo{nodes: 12},
		Runs:       runs,
		Notifier:   NewWebhookNotifier(srv.URL),
	}, config.SweeperConfig{Enabled: true}, zerolog.Nop())

	run, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, run.ExpiredSessions)
	assert.Equal(t, 2, run.Propagated)
	assert.Equal(t, 1, run.Collected)
	assert.Equal(t, "tombstones/x.json.sz", run.ArchiveKey)
	assert.Equal(t, 1, run.Escalated)
	assert.Equal(t, 4, run.AssignmentsChanged)
	assert.Equal(t, 5, run.DelegationsChanged)
	assert.Equal(t, 12, run.GeoNodes)
	assert.Empty(t, run.Errors)

	require.Len(t, received, 1)
	assert.Equal(t, "warning", received[0]["severity"])
	assert.Contains(t, received[0]["text"], "survey_points/pt-1")
	assert.Equal(t, []uuid.UUID{stone.ID}, tombs.escalated)

	require.Len(t, runs.runs, 1)
	last, ok := svc.LastRun()
	require.True(t, ok)
	assert.Equal(t, run, last)

	// nada novo para escalar na segunda passada
	run, err = svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, run.Escalated)
	assert.Len(t, received, 1)
}

func TestRunOnceKeepsGoingWhenATaskFails(t *testing.T) {
	tombs := &fakeTombstones{sweepErr: errors.New("arquivo indisponível")}
	svc := NewService(Deps{
		Sessions:   &fakeSessions{n: 1},
		Tombstones: tombs,
		Scopes:     &fakeScopes{expired: 2},
	}, config.SweeperConfig{}, zerolog.Nop())

	run, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arquivo indisponível")
	assert.Equal(t, 1, run.ExpiredSessions)
	assert.Equal(t, 2, run.AssignmentsChanged)
	require.Len(t, run.Errors, 1)
}

func TestEscalationIsRetriedWhenWebhookFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tombs := &fakeTombstones{pending: []tombstone.Tombstone{pendingTombstone()}}
	svc := NewService(Deps{Tombstones: tombs, Notifier: NewWebhookNotifier(srv.URL)}, config.SweeperConfig{}, zerolog.Nop())

	run, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, run.Escalated)
	assert.Empty(t, tombs.escalated)
	assert.Len(t, tombs.pending, 1)
}

func TestEscalationWithoutNotifierIsLogged(t *testing.T) {
	tombs := &fakeTombstones{pending: []tombstone.Tombstone{pendingTombstone()}}
	svc := NewService(Deps{Tombstones: tombs}, config.SweeperConfig{}, zerolog.Nop())

	run, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Escalated)
	assert.Len(t, tombs.escalated, 1)
}

func TestStartDisabledIsNoop(t *testing.T) {
	svc := NewService(Deps{}, config.SweeperConfig{Enabled: false}, zerolog.Nop())
	require.NoError(t, svc.Start(context.Background()))
	svc.Stop()
	_, ok := svc.LastRun()
	assert.False(t, ok)
}

func TestNewWebhookNotifierWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier(""))
	assert.Equal(t, ":rotating_light: *t*\nx\n• a", formatMessage(AlertMessage{Title: "t", Text: "x", Severity: "critical", Items: []string{"a"}}))
}
