package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/auth"
	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/conflict"
	"github.com/gestaozabele/geosync/internal/device"
	"github.com/gestaozabele/geosync/internal/entity"
	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/lbac"
	"github.com/gestaozabele/geosync/internal/tombstone"
	"github.com/gestaozabele/geosync/internal/util"
)

const treeYAML = `
nodes:
  - code: GOV-SANAA
    level: governorate
    name: Amanat Al-Asimah
    children:
      - code: DIST-SANAA
        level: district
        name: Sana'a
        children:
          - code: SUB-OLD
            level: sub_district
            name: Old City
            children:
              - code: NB-01
                level: neighborhood
                name: Bab Al-Yemen
              - code: NB-02
                level: neighborhood
                name: Al-Qa
      - code: DIST-MAIN
        level: district
        name: Ma'ain
        children:
          - code: PLOT-900
            level: plot
            name: Lote 900
`

var fastParams = &argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func nodeID(code string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("geo:"+code))
}

// flakyLog falha as próximas inclusões com versão indisponível.
type flakyLog struct {
	changelog.Store
	mu       sync.Mutex
	failures int
	appends  int
}

func (f *flakyLog) Append(ctx context.Context, c changelog.Change) (changelog.Entry, bool, error) {
	f.mu.Lock()
	f.appends++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return changelog.Entry{}, false, changelog.ErrVersionUnavailable
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, c)
}

func (f *flakyLog) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

type fixture struct {
	now        time.Time
	tree       *geo.Tree
	devices    *device.Service
	lbacStore  *lbac.MemoryStore
	scopes     *lbac.Service
	log        *flakyLog
	tracker    *changelog.Tracker
	tombStore  *tombstone.MemoryStore
	tombstones *tombstone.Service
	conflicts  *conflict.MemoryStore
	resolver   *conflict.Resolver
	cursors    *MemoryCursorStore
	mgr        *Manager
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nodes, err := geo.ParseSeed(strings.NewReader(treeYAML))
	require.NoError(t, err)
	tree, err := geo.NewTree(nodes)
	require.NoError(t, err)

	f := &fixture{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC), tree: tree}
	clock := util.Clock(f.clock)

	f.devices = device.NewService(device.NewMemoryStore(), device.Options{Hasher: auth.NewHasher(fastParams), Clock: clock})
	f.lbacStore = lbac.NewMemoryStore()
	engine := lbac.NewEngine(f.lbacStore, nil, clock)
	f.scopes = lbac.NewService(f.lbacStore, nil, tree, clock)
	f.log = &flakyLog{Store: changelog.NewMemoryStore(nil, clock)}
	f.tracker = changelog.NewTracker(f.log)
	f.cursors = NewMemoryCursorStore()
	f.tombStore = tombstone.NewMemoryStore()
	f.tombstones = tombstone.NewService(f.tombStore, f.devices, NewCursors(f.cursors), nil, tombstone.Options{Clock: clock})
	f.conflicts = conflict.NewMemoryStore()
	f.resolver = conflict.NewResolver(conflict.DefaultPolicy(), f.tracker, f.conflicts, clock)

	f.mgr = NewManager(Deps{
		Sessions:   NewMemoryStore(),
		Cursors:    f.cursors,
		Devices:    f.devices,
		Scopes:     f.scopes,
		Engine:     engine,
		Tracker:    f.tracker,
		Tombstones: f.tombstones,
		Resolver:   f.resolver,
		Tree:       tree,
	}, Options{MaxBatch: 10, PageSize: 50, MaxOpRetries: 2, RetryBackoff: time.Millisecond, IdleTimeout: time.Hour, Clock: clock})
	f.devices.SetSessionTerminator(f.mgr)
	f.resolver.SetApplier(f.mgr)
	return f
}

// surveyor cria usuário com atribuição permanente no escopo e um dispositivo registrado.
func (f *fixture) surveyor(t *testing.T, scope geo.Scope, deviceID string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	user := uuid.New()
	if scope.Valid() {
		_, err := f.scopes.Assign(ctx, lbac.AssignInput{UserID: user, Scope: scope, Type: lbac.AssignmentPermanent, ActorID: uuid.New()})
		require.NoError(t, err)
	}
	_, _, err := f.devices.Register(ctx, device.RegisterInput{UserID: user, DeviceID: deviceID, Platform: "android", AppVersion: "2.3.0"})
	require.NoError(t, err)
	return user
}

func (f *fixture) open(t *testing.T, user uuid.UUID, deviceID string, typ Type) Session {
	t.Helper()
	s, err := f.mgr.Open(context.Background(), user, deviceID, typ)
	require.NoError(t, err)
	return s
}

func (f *fixture) latest(t *testing.T, table, record string) entity.Fields {
	t.Helper()
	e, err := f.tracker.Latest(context.Background(), table, record)
	require.NoError(t, err)
	fields, err := entity.ParseFields(e.Snapshot)
	require.NoError(t, err)
	return fields
}

func inspection(code string, extra string) string {
	body := fmt.Sprintf(`"geo_node_id": %q, "building_code": "B-17", "inspection_date": "2026-05-01", "floors": 3, "structural_condition": "fair"`, nodeID(code))
	if extra != "" {
		body += ", " + extra
	}
	return "{" + body + "}"
}

func point(code, pointCode string) string {
	return fmt.Sprintf(`{"geo_node_id": %q, "point_code": %q, "latitude": 15.35, "longitude": 44.2}`, nodeID(code), pointCode)
}

func op(key, table, record, kind string, base changelog.Stamp, payload string) Operation {
	o := Operation{IdempotencyKey: key, Table: table, RecordID: record, Op: kind, BaseVersion: base}
	if payload != "" {
		o.Payload = []byte(payload)
	}
	return o
}

func submitOne(t *testing.T, f *fixture, s Session, o Operation) Outcome {
	t.Helper()
	res, err := f.mgr.SubmitBatch(context.Background(), s.ID, s.UserID, []Operation{o})
	require.NoError(t, err)
	all := append(append(append([]Outcome{}, res.Accepted...), res.Rejected...), res.Conflicts...)
	require.Len(t, all, 1)
	return all[0]
}

func TestOpenRequiresUsableDeviceAndAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unassigned := f.surveyor(t, geo.Scope{}, "tablet-unassigned")
	_, err := f.mgr.Open(ctx, unassigned, "tablet-unassigned", TypePush)
	assert.Equal(t, apperr.CodeNoActiveAssignment, apperr.CodeOf(err))

	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")
	_, err = f.mgr.Open(ctx, user, "tablet-missing", TypePush)
	assert.Equal(t, apperr.CodeDeviceNotActive, apperr.CodeOf(err))

	_, err = f.mgr.Open(ctx, uuid.New(), "tablet-0001", TypePush)
	assert.Equal(t, apperr.CodeDeviceOwnedByOther, apperr.CodeOf(err))

	_, err = f.mgr.Open(ctx, user, "tablet-0001", Type("sideways"))
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))

	s := f.open(t, user, "tablet-0001", TypeFullSync)
	assert.Equal(t, StatusInProgress, s.Status)
	assert.Len(t, s.ID, 26)
}

func TestConcurrentInspectionEditsProduceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-alice")
	bruno := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-bruno")

	sa := f.open(t, alice, "tablet-alice", TypePush)
	created := submitOne(t, f, sa, op("a-1", entity.TableBuildingInspections, "insp-1", "create", changelog.Stamp{}, inspection("NB-01", "")))
	require.Equal(t, SyncSynced, created.Status)
	base := *created.Version

	updated := submitOne(t, f, sa, op("a-2", entity.TableBuildingInspections, "insp-1", "update", base, `{"floors": 4, "inspector_notes": "rachaduras"}`))
	require.Equal(t, SyncSynced, updated.Status)

	// Bruno edita campo que Alice não tocou, a partir da versão antiga
	sb := f.open(t, bruno, "tablet-bruno", TypePush)
	merged := submitOne(t, f, sb, op("b-1", entity.TableBuildingInspections, "insp-1", "update", base, `{"structural_condition": "poor"}`))
	assert.Equal(t, SyncConflict, merged.Status)
	assert.Equal(t, string(conflict.Merge), merged.Resolution)
	require.NotNil(t, merged.Version)
	require.Len(t, merged.ConflictIDs, 1)

	current := f.latest(t, entity.TableBuildingInspections, "insp-1")
	assert.JSONEq(t, `"poor"`, string(current["structural_condition"]))
	assert.JSONEq(t, `4`, string(current["floors"]))

	// mesmo campo alterado dos dois lados: fica para revisão e o registro não muda
	manual := submitOne(t, f, sb, op("b-2", entity.TableBuildingInspections, "insp-1", "update", base, `{"floors": 5}`))
	assert.Equal(t, SyncConflict, manual.Status)
	assert.Equal(t, string(conflict.Manual), manual.Resolution)
	assert.Nil(t, manual.Version)
	assert.JSONEq(t, `4`, string(f.latest(t, entity.TableBuildingInspections, "insp-1")["floors"]))

	pending, err := f.resolver.Pending(ctx, conflict.Filter{Table: entity.TableBuildingInspections})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "floors", pending[0].FieldName)
	assert.Equal(t, sb.ID, pending[0].SessionID)

	reviewer := uuid.New()
	resolved, err := f.resolver.ResolveManual(ctx, pending[0].ID, reviewer, conflict.ChooseClient)
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusResolved, resolved.Status)
	final := f.latest(t, entity.TableBuildingInspections, "insp-1")
	assert.JSONEq(t, `5`, string(final["floors"]))
	assert.JSONEq(t, `"poor"`, string(final["structural_condition"]))

	got, err := f.mgr.Get(ctx, sb.ID, bruno)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 2, got.Conflicted)
}

func TestReplayReturnsOriginalOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")

	s := f.open(t, user, "tablet-0001", TypePush)
	create := op("p-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-001"))
	first := submitOne(t, f, s, create)
	require.Equal(t, SyncSynced, first.Status)
	high, err := f.tracker.HighWater(ctx)
	require.NoError(t, err)

	second := submitOne(t, f, s, create)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Version, second.Version)

	// repetição em outra sessão do mesmo dispositivo também não grava de novo
	s2 := f.open(t, user, "tablet-0001", TypePush)
	third := submitOne(t, f, s2, create)
	assert.True(t, third.Replayed)
	after, err := f.tracker.HighWater(ctx)
	require.NoError(t, err)
	assert.Equal(t, high, after)

	denied := op("p-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("PLOT-900", "P-900"))
	rejected := submitOne(t, f, s2, denied)
	require.Equal(t, SyncFailed, rejected.Status)
	assert.Equal(t, apperr.CodeLBACDenied, rejected.Code)
	again := submitOne(t, f, s2, denied)
	assert.True(t, again.Replayed)
	assert.Equal(t, apperr.CodeLBACDenied, again.Code)
}

func TestSubmitRejectsOutOfScopeAndInvalidOperations(t *testing.T) {
	f := newFixture(t)
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")
	s := f.open(t, user, "tablet-0001", TypePush)

	created := submitOne(t, f, s, op("k-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-001")))
	require.Equal(t, SyncSynced, created.Status)

	cases := []struct {
		name string
		op   Operation
		code string
	}{
		{"fora do distrito", op("k-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("PLOT-900", "P-2")), apperr.CodeLBACDenied},
		{"mover para fora do escopo", op("k-3", entity.TableSurveyPoints, "pt-1", "update", *created.Version, fmt.Sprintf(`{"geo_node_id": %q}`, nodeID("PLOT-900"))), apperr.CodeLBACDenied},
		{"nó inexistente", op("k-4", entity.TableSurveyPoints, "pt-3", "create", changelog.Stamp{}, point("NOPE", "P-3")), apperr.CodeInvalidGeoScope},
		{"registro desconhecido", op("k-5", entity.TableSurveyPoints, "pt-404", "update", changelog.Stamp{}, `{"notes": "x"}`), apperr.CodeUnknownRecord},
		{"tabela desconhecida", op("k-6", "parcels", "x-1", "create", changelog.Stamp{}, `{}`), apperr.CodeValidationFailed},
		{"payload inválido", op("k-7", entity.TableSurveyPoints, "pt-5", "create", changelog.Stamp{}, `{"point_code": "P"}`), apperr.CodeValidationFailed},
		{"operação inválida", op("k-8", entity.TableSurveyPoints, "pt-1", "upsert", changelog.Stamp{}, `{}`), apperr.CodeValidationFailed},
		{"sem chave", op("", entity.TableSurveyPoints, "pt-6", "create", changelog.Stamp{}, point("NB-01", "P-6")), apperr.CodeValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := submitOne(t, f, s, tc.op)
			assert.Equal(t, SyncFailed, out.Status)
			assert.Equal(t, tc.code, out.Code)
			assert.False(t, out.Retryable)
		})
	}

	_, err := f.mgr.SubmitBatch(context.Background(), s.ID, user, make([]Operation, 11))
	assert.Equal(t, apperr.CodeBatchTooLarge, apperr.CodeOf(err))
}

func TestRevokedDeviceFailsSessionMidway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")
	s := f.open(t, user, "tablet-0001", TypeFullSync)

	out := submitOne(t, f, s, op("k-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-001")))
	require.Equal(t, SyncSynced, out.Status)

	_, err := f.devices.Revoke(ctx, "tablet-0001", "perdido em campo")
	require.NoError(t, err)

	_, err = f.mgr.SubmitBatch(ctx, s.ID, user, []Operation{op("k-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("NB-02", "P-002"))})
	assert.Equal(t, apperr.CodeDeviceRevoked, apperr.CodeOf(err))
	assert.True(t, apperr.IsFatal(err))

	_, err = f.mgr.Pull(ctx, s.ID, user, PullRequest{})
	assert.Equal(t, apperr.CodeDeviceRevoked, apperr.CodeOf(err))

	got, err := f.mgr.Get(ctx, s.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, apperr.CodeDeviceRevoked, got.FailureReason)

	// a entrada aceita antes da revogação permanece
	_, err = f.tracker.Latest(ctx, entity.TableSurveyPoints, "pt-1")
	assert.NoError(t, err)
	_, err = f.tracker.Latest(ctx, entity.TableSurveyPoints, "pt-2")
	assert.ErrorIs(t, err, changelog.ErrNotFound)
}

func TestPullFiltersByScopeAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writer := f.surveyor(t, geo.Governorate(nodeID("GOV-SANAA")), "tablet-writer")
	reader := f.surveyor(t, geo.Neighborhood(nodeID("NB-01")), "tablet-reader")

	ws := f.open(t, writer, "tablet-writer", TypePush)
	res, err := f.mgr.SubmitBatch(ctx, ws.ID, writer, []Operation{
		op("w-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1")),
		op("w-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("NB-02", "P-2")),
		op("w-3", entity.TableSurveyPoints, "pt-3", "create", changelog.Stamp{}, point("NB-01", "P-3")),
		op("w-4", entity.TableSurveyPoints, "pt-4", "create", changelog.Stamp{}, point("PLOT-900", "P-4")),
		op("w-5", entity.TableBuildingInspections, "insp-1", "create", changelog.Stamp{}, inspection("NB-01", "")),
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 5)

	rs := f.open(t, reader, "tablet-reader", TypePull)
	page, err := f.mgr.Pull(ctx, rs.ID, reader, PullRequest{EntityType: entity.TableSurveyPoints, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "pt-1", page.Changes[0].RecordID)
	assert.True(t, page.HasMore)

	_, err = f.mgr.Acknowledge(ctx, rs.ID, reader, page.NextCursor)
	require.NoError(t, err)

	rest, err := f.mgr.Pull(ctx, rs.ID, reader, PullRequest{EntityType: entity.TableSurveyPoints})
	require.NoError(t, err)
	require.Len(t, rest.Changes, 1)
	assert.Equal(t, "pt-3", rest.Changes[0].RecordID)
	assert.False(t, rest.HasMore)
	high, err := f.tracker.HighWater(ctx)
	require.NoError(t, err)
	assert.Equal(t, high, rest.NextCursor)

	all, err := f.mgr.Pull(ctx, rs.ID, reader, PullRequest{Since: &changelog.Stamp{}})
	require.NoError(t, err)
	var records []string
	for _, e := range all.Changes {
		records = append(records, e.RecordID)
	}
	assert.Equal(t, []string{"pt-1", "pt-3", "insp-1"}, records)

	audit, err := f.lbacStore.Audit(ctx, lbac.AuditFilter{UserID: &reader})
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Contains(t, audit[0].Reason, "scoped_read")
}

func TestCursorMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")

	s := f.open(t, user, "tablet-0001", TypeFullSync)
	_, err := f.mgr.SubmitBatch(ctx, s.ID, user, []Operation{
		op("k-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1")),
		op("k-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("NB-02", "P-2")),
	})
	require.NoError(t, err)

	_, err = f.mgr.Acknowledge(ctx, s.ID, user, changelog.Stamp{Version: 1})
	assert.Equal(t, apperr.CodeCursorAhead, apperr.CodeOf(err), "nada foi servido ainda")

	page, err := f.mgr.Pull(ctx, s.ID, user, PullRequest{})
	require.NoError(t, err)
	require.Len(t, page.Changes, 2)

	_, err = f.mgr.Acknowledge(ctx, s.ID, user, changelog.Stamp{Version: page.NextCursor.Version + 1})
	assert.Equal(t, apperr.CodeCursorAhead, apperr.CodeOf(err))
	assert.False(t, apperr.IsFatal(err))

	c, err := f.mgr.Acknowledge(ctx, s.ID, user, page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, page.NextCursor, c.Stamp)

	closed, err := f.mgr.Close(ctx, s.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, closed.Status)

	// nova sessão relê desde o início e tenta confirmar abaixo do cursor gravado
	s2 := f.open(t, user, "tablet-0001", TypePull)
	assert.Equal(t, page.NextCursor, s2.LastSyncCursor)
	first, err := f.mgr.Pull(ctx, s2.ID, user, PullRequest{Since: &changelog.Stamp{}, Limit: 1})
	require.NoError(t, err)
	require.True(t, first.HasMore)

	_, err = f.mgr.Acknowledge(ctx, s2.ID, user, first.NextCursor)
	assert.Equal(t, apperr.CodeCursorRegression, apperr.CodeOf(err))
	assert.True(t, apperr.IsFatal(err))

	got, err := f.mgr.Get(ctx, s2.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	stored, err := f.cursors.Get(ctx, "tablet-0001", "")
	require.NoError(t, err)
	assert.Equal(t, page.NextCursor, stored.Stamp)
}

func TestDeleteDeliversTombstonesWithinScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writer := f.surveyor(t, geo.Governorate(nodeID("GOV-SANAA")), "tablet-writer")
	inScope := f.surveyor(t, geo.SubDistrict(nodeID("SUB-OLD")), "tablet-old-city")
	outScope := f.surveyor(t, geo.District(nodeID("DIST-MAIN")), "tablet-maain")

	ws := f.open(t, writer, "tablet-writer", TypeFullSync)
	created := submitOne(t, f, ws, op("w-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1")))
	require.Equal(t, SyncSynced, created.Status)
	deleted := submitOne(t, f, ws, op("w-2", entity.TableSurveyPoints, "pt-1", "delete", *created.Version, ""))
	require.Equal(t, SyncSynced, deleted.Status)

	ts, err := f.tombstones.Latest(ctx, entity.TableSurveyPoints, "pt-1")
	require.NoError(t, err)
	assert.Equal(t, *deleted.Version, ts.Stamp)
	assert.Equal(t, writer, ts.DeletedBy)

	pullAndAck := func(user uuid.UUID, deviceID string) PullResult {
		s := f.open(t, user, deviceID, TypePull)
		res, err := f.mgr.Pull(ctx, s.ID, user, PullRequest{})
		require.NoError(t, err)
		_, err = f.mgr.Acknowledge(ctx, s.ID, user, res.NextCursor)
		require.NoError(t, err)
		closed, err := f.mgr.Close(ctx, s.ID, user)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, closed.Status)
		return res
	}

	sweep, err := f.tombstones.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Propagated, "nenhum dispositivo confirmou ainda")

	inRes := pullAndAck(inScope, "tablet-old-city")
	require.Len(t, inRes.Tombstones, 1)
	assert.Equal(t, "pt-1", inRes.Tombstones[0].RecordID)
	outRes := pullAndAck(outScope, "tablet-maain")
	assert.Empty(t, outRes.Tombstones)
	assert.Empty(t, outRes.Changes)

	sweep, err = f.tombstones.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Propagated, "o dispositivo do autor ainda não confirmou")

	page, err := f.mgr.Pull(ctx, ws.ID, writer, PullRequest{})
	require.NoError(t, err)
	_, err = f.mgr.Acknowledge(ctx, ws.ID, writer, page.NextCursor)
	require.NoError(t, err)

	sweep, err = f.tombstones.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Propagated)
}

func TestCloseRequiresAcknowledgedPull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")

	push := f.open(t, user, "tablet-0001", TypePush)
	closed, err := f.mgr.Close(ctx, push.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, closed.Status)
	require.NotNil(t, closed.EndedAt)

	_, err = f.mgr.SubmitBatch(ctx, push.ID, user, nil)
	assert.Equal(t, apperr.CodeSessionClosed, apperr.CodeOf(err))

	pull := f.open(t, user, "tablet-0001", TypePull)
	_, err = f.mgr.SubmitBatch(ctx, pull.ID, user, []Operation{op("k-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1"))})
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))
	_, err = f.mgr.Pull(ctx, pull.ID, user, PullRequest{})
	require.NoError(t, err)
	closed, err = f.mgr.Close(ctx, pull.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, closed.Status)
	assert.Equal(t, apperr.CodePullNotAcknowledged, closed.FailureReason)

	_, err = f.mgr.Get(ctx, pull.ID, uuid.New())
	assert.Equal(t, apperr.CodeUnknownSession, apperr.CodeOf(err))

	cancelled := f.open(t, user, "tablet-0001", TypeFullSync)
	got, err := f.mgr.Cancel(ctx, cancelled.ID, user, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "client_cancelled", got.FailureReason)
}

func TestRetryableFailuresStayPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")
	s := f.open(t, user, "tablet-0001", TypePush)

	f.log.failNext(2)
	recovered := submitOne(t, f, s, op("k-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1")))
	assert.Equal(t, SyncSynced, recovered.Status)
	assert.Equal(t, 4, recovered.Attempts, "uma leitura e três inclusões")

	f.log.failNext(10)
	flaky := op("k-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("NB-02", "P-2"))
	failedOut := submitOne(t, f, s, flaky)
	assert.Equal(t, SyncFailed, failedOut.Status)
	assert.True(t, failedOut.Retryable)
	assert.Equal(t, apperr.CodeVersionUnavailable, failedOut.Code)

	got, err := f.mgr.Get(ctx, s.ID, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"k-2"}, got.PendingKeys)
	assert.Equal(t, 0, got.Failed)

	// desfechos repetíveis não são gravados: a mesma chave é processada de novo
	f.log.failNext(0)
	retried := submitOne(t, f, s, flaky)
	assert.Equal(t, SyncSynced, retried.Status)
	assert.False(t, retried.Replayed)

	f.log.failNext(10)
	submitOne(t, f, s, op("k-3", entity.TableSurveyPoints, "pt-3", "create", changelog.Stamp{}, point("NB-02", "P-3")))
	f.log.failNext(0)
	closed, err := f.mgr.Close(ctx, s.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, closed.Status)
	assert.Equal(t, apperr.CodeOperationsPending, closed.FailureReason)
}

func TestPullBelowHorizonRequiresResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")

	s := f.open(t, user, "tablet-0001", TypeFullSync)
	_, err := f.mgr.SubmitBatch(ctx, s.ID, user, []Operation{
		op("k-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1")),
		op("k-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("NB-01", "P-2")),
		op("k-3", entity.TableSurveyPoints, "pt-3", "create", changelog.Stamp{}, point("NB-01", "P-3")),
	})
	require.NoError(t, err)
	_, err = f.cursors.Advance(ctx, "tablet-0001", entity.TableSurveyPoints, changelog.Stamp{Version: 1}, f.now)
	require.NoError(t, err)
	require.NoError(t, f.tombStore.AdvanceHorizon(ctx, entity.TableSurveyPoints, changelog.Stamp{Version: 2}))

	res, err := f.mgr.Pull(ctx, s.ID, user, PullRequest{EntityType: entity.TableSurveyPoints})
	require.NoError(t, err)
	assert.True(t, res.ResyncRequired)
	assert.Empty(t, res.Changes)

	cur, err := f.cursors.Get(ctx, "tablet-0001", entity.TableSurveyPoints)
	require.NoError(t, err)
	assert.True(t, cur.Stamp.IsZero())

	full, err := f.mgr.Pull(ctx, s.ID, user, PullRequest{EntityType: entity.TableSurveyPoints})
	require.NoError(t, err)
	assert.False(t, full.ResyncRequired)
	assert.Len(t, full.Changes, 3)
}

func TestExpireIdleCancelsStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")
	stale := f.open(t, user, "tablet-0001", TypePush)

	f.now = f.now.Add(2 * time.Hour)
	fresh := f.open(t, user, "tablet-0001", TypePush)

	n, err := f.mgr.ExpireIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mgr.Get(ctx, stale.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, apperr.CodeSessionTimeout, got.FailureReason)

	got, err = f.mgr.Get(ctx, fresh.ID, user)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestEditOfPointDeletedOnServerWaitsForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0001")
	other := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-0002")

	s := f.open(t, user, "tablet-0001", TypePush)
	created := submitOne(t, f, s, op("k-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1")))
	removed := submitOne(t, f, s, op("k-2", entity.TableSurveyPoints, "pt-1", "delete", *created.Version, ""))
	require.Equal(t, SyncSynced, removed.Status)

	so := f.open(t, other, "tablet-0002", TypePush)
	edit := submitOne(t, f, so, op("o-1", entity.TableSurveyPoints, "pt-1", "update", *created.Version, `{"notes": "marco reposto"}`))
	assert.Equal(t, SyncConflict, edit.Status)
	assert.Equal(t, string(conflict.Manual), edit.Resolution)

	pending, err := f.resolver.Pending(ctx, conflict.Filter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, conflict.TypeDeletedOnServer, pending[0].Type)

	_, err = f.resolver.ResolveManual(ctx, pending[0].ID, uuid.New(), conflict.ChooseClient)
	require.NoError(t, err)
	restored, err := f.tracker.Latest(ctx, entity.TableSurveyPoints, "pt-1")
	require.NoError(t, err)
	assert.Equal(t, changelog.OpCreate, restored.Operation)
	fields, err := entity.ParseFields(restored.Snapshot)
	require.NoError(t, err)
	assert.JSONEq(t, `"marco reposto"`, string(fields["notes"]))
	assert.JSONEq(t, `"P-1"`, string(fields["point_code"]))
}

// gatedLog segura as leituras armadas até que todas tenham lido, de modo que
// os escritores partam da mesma versão antes de qualquer inclusão.
type gatedLog struct {
	changelog.Store
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func (g *gatedLog) arm(readers int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiting = readers
	g.release = make(chan struct{})
}

func (g *gatedLog) Latest(ctx context.Context, table, recordID string) (changelog.Entry, error) {
	e, err := g.Store.Latest(ctx, table, recordID)
	g.mu.Lock()
	ch := g.release
	if ch != nil {
		g.waiting--
		if g.waiting == 0 {
			close(ch)
			g.release = nil
		}
	}
	g.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return changelog.Entry{}, ctx.Err()
		}
	}
	return e, err
}

func TestSimultaneousSameBaseEditsNeverOverwriteSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gate := &gatedLog{Store: f.log.Store}
	f.log.Store = gate

	alice := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-alice")
	bruno := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-bruno")
	sa := f.open(t, alice, "tablet-alice", TypePush)
	sb := f.open(t, bruno, "tablet-bruno", TypePush)

	created := submitOne(t, f, sa, op("a-1", entity.TableBuildingInspections, "insp-9", "create", changelog.Stamp{}, inspection("NB-01", "")))
	require.Equal(t, SyncSynced, created.Status)
	base := *created.Version

	gate.arm(2)
	edits := []sessionOp{
		{sa, op("a-2", entity.TableBuildingInspections, "insp-9", "update", base, `{"floors": 4}`)},
		{sb, op("b-1", entity.TableBuildingInspections, "insp-9", "update", base, `{"floors": 5}`)},
	}
	outcomes := submitConcurrently(t, f, edits)

	var winner, loser int
	switch {
	case outcomes[0].Status == SyncSynced && outcomes[1].Status == SyncConflict:
		winner, loser = 0, 1
	case outcomes[1].Status == SyncSynced && outcomes[0].Status == SyncConflict:
		winner, loser = 1, 0
	default:
		t.Fatalf("esperado um aplicado e um em conflito, obtido %q e %q", outcomes[0].Status, outcomes[1].Status)
	}
	assert.Equal(t, string(conflict.Manual), outcomes[loser].Resolution)
	assert.Nil(t, outcomes[loser].Version)

	want := []string{`4`, `5`}[winner]
	assert.JSONEq(t, want, string(f.latest(t, entity.TableBuildingInspections, "insp-9")["floors"]))

	history, err := f.tracker.History(ctx, entity.TableBuildingInspections, "insp-9")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	pending, err := f.resolver.Pending(ctx, conflict.Filter{Table: entity.TableBuildingInspections})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "floors", pending[0].FieldName)
	assert.Equal(t, edits[loser].s.ID, pending[0].SessionID)
}

type sessionOp struct {
	s  Session
	op Operation
}

// submitConcurrently envia cada operação em sua sessão ao mesmo tempo.
func submitConcurrently(t *testing.T, f *fixture, ops []sessionOp) []Outcome {
	t.Helper()
	var wg sync.WaitGroup
	outcomes := make([]Outcome, len(ops))
	errs := make([]error, len(ops))
	for i, o := range ops {
		wg.Add(1)
		go func(i int, o sessionOp) {
			defer wg.Done()
			res, err := f.mgr.SubmitBatch(context.Background(), o.s.ID, o.s.UserID, []Operation{o.op})
			if err != nil {
				errs[i] = err
				return
			}
			all := append(append(append([]Outcome{}, res.Accepted...), res.Rejected...), res.Conflicts...)
			if len(all) == 1 {
				outcomes[i] = all[0]
			}
		}(i, o)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return outcomes
}

func TestSimultaneousDeletesWriteOneTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gate := &gatedLog{Store: f.log.Store}
	f.log.Store = gate

	alice := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-alice")
	bruno := f.surveyor(t, geo.District(nodeID("DIST-SANAA")), "tablet-bruno")
	sa := f.open(t, alice, "tablet-alice", TypePush)
	sb := f.open(t, bruno, "tablet-bruno", TypePush)

	created := submitOne(t, f, sa, op("a-1", entity.TableSurveyPoints, "pt-9", "create", changelog.Stamp{}, point("NB-01", "P-9")))
	require.Equal(t, SyncSynced, created.Status)
	base := *created.Version

	gate.arm(2)
	outcomes := submitConcurrently(t, f, []sessionOp{
		{sa, op("a-2", entity.TableSurveyPoints, "pt-9", "delete", base, "")},
		{sb, op("b-1", entity.TableSurveyPoints, "pt-9", "delete", base, "")},
	})
	statuses := []SyncStatus{outcomes[0].Status, outcomes[1].Status}
	assert.ElementsMatch(t, []SyncStatus{SyncSynced, SyncConflict}, statuses)

	history, err := f.tracker.History(ctx, entity.TableSurveyPoints, "pt-9")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, changelog.OpDelete, history[1].Operation)

	stones, err := f.tombStore.Unsettled(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stones, 1)
	assert.Equal(t, history[1].Stamp, stones[0].Stamp)
}

func TestPullThroughDelegationSpendsUses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writer := f.surveyor(t, geo.Governorate(nodeID("GOV-SANAA")), "tablet-writer")
	reader := f.surveyor(t, geo.Neighborhood(nodeID("NB-01")), "tablet-reader")

	ws := f.open(t, writer, "tablet-writer", TypePush)
	res, err := f.mgr.SubmitBatch(ctx, ws.ID, writer, []Operation{
		op("w-1", entity.TableSurveyPoints, "pt-1", "create", changelog.Stamp{}, point("NB-01", "P-1")),
		op("w-2", entity.TableSurveyPoints, "pt-2", "create", changelog.Stamp{}, point("NB-02", "P-2")),
		op("w-3", entity.TableSurveyPoints, "pt-3", "create", changelog.Stamp{}, point("PLOT-900", "P-3")),
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 3)

	limit := 1
	del, err := f.scopes.Delegate(ctx, lbac.DelegateInput{
		FromUserID:    writer,
		ToUserID:      reader,
		Permissions:   []string{entity.ReadPermission(entity.TableSurveyPoints)},
		Scope:         geo.Neighborhood(nodeID("NB-02")),
		StartDate:     f.now.Add(-time.Hour),
		EndDate:       f.now.Add(time.Hour),
		MaxUsageCount: &limit,
	})
	require.NoError(t, err)

	rs := f.open(t, reader, "tablet-reader", TypePull)
	records := func(p PullResult) []string {
		var out []string
		for _, e := range p.Changes {
			out = append(out, e.RecordID)
		}
		return out
	}

	first, err := f.mgr.Pull(ctx, rs.ID, reader, PullRequest{EntityType: entity.TableSurveyPoints, Since: &changelog.Stamp{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"pt-1", "pt-2"}, records(first))

	stored, err := f.lbacStore.GetDelegation(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentUsageCount)
	assert.Equal(t, lbac.DelegationUsedUp, stored.Status)

	audit, err := f.lbacStore.Audit(ctx, lbac.AuditFilter{UserID: &reader, Limit: 1})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Contains(t, audit[0].Reason, "out_of_scope:1")
	require.NotNil(t, audit[0].Delegation)
	assert.Equal(t, del.ID, *audit[0].Delegation)

	again, err := f.mgr.Pull(ctx, rs.ID, reader, PullRequest{EntityType: entity.TableSurveyPoints, Since: &changelog.Stamp{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"pt-1"}, records(again))
}
