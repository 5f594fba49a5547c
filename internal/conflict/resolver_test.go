package conflict

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/entity"
	"github.com/gestaozabele/geosync/internal/geo"
)

type stubHistory struct {
	changed []string
	deleted bool
}

func (s stubHistory) ChangedFieldsSince(context.Context, string, string, changelog.Stamp) ([]string, bool, error) {
	return s.changed, s.deleted, nil
}

type stubApplier struct {
	applied []Conflict
}

func (s *stubApplier) ApplyConflict(_ context.Context, c Conflict, _ uuid.UUID) (changelog.Entry, error) {
	s.applied = append(s.applied, c)
	return changelog.Entry{Table: c.Table, RecordID: c.RecordID, Snapshot: c.ClientValue}, nil
}

var (
	node = uuid.MustParse("5f0c1a52-2f0e-4d1e-9a0a-0c1f4b3f9d11")
	now  = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
)

const inspectionSnapshot = `{
	"geo_node_id": "5f0c1a52-2f0e-4d1e-9a0a-0c1f4b3f9d11",
	"building_code": "B-17",
	"inspection_date": "2026-03-30",
	"floors": 3,
	"structural_condition": "fair",
	"occupancy": "occupied",
	"inspector_notes": "fachada com fissuras"
}`

func serverEntry(table string, op changelog.Op, snapshot string) *changelog.Entry {
	return &changelog.Entry{
		Table:     table,
		RecordID:  "rec-1",
		Stamp:     changelog.Stamp{Version: 4},
		Operation: op,
		Snapshot:  json.RawMessage(snapshot),
		GeoNodeID: node,
		GeoPath:   geo.Path{node},
	}
}

func incoming(t *testing.T, table string, op changelog.Op, payload string) Incoming {
	t.Helper()
	fields, err := entity.ParseFields(json.RawMessage(payload))
	require.NoError(t, err)
	return Incoming{
		SessionID:   "01J0SESSION",
		DeviceID:    "tablet-0001",
		UserID:      uuid.New(),
		Table:       table,
		RecordID:    "rec-1",
		Op:          op,
		BaseVersion: changelog.Stamp{Version: 3},
		Fields:      fields,
		GeoNodeID:   node,
		GeoPath:     geo.Path{node},
	}
}

func newTestResolver(changed ...string) (*Resolver, *MemoryStore) {
	store := NewMemoryStore()
	r := NewResolver(DefaultPolicy(), stubHistory{changed: changed}, store, func() time.Time { return now })
	return r, store
}

func TestResolveWithoutServerStateApplies(t *testing.T) {
	r, store := newTestResolver()
	in := incoming(t, entity.TableSurveyPoints, changelog.OpCreate, `{"point_code":"P1"}`)
	in.BaseVersion = changelog.Stamp{}

	res, err := r.Resolve(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionApply, res.Action)
	assert.False(t, res.Conflicted())

	all, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestResolveMatchingBaseAppliesDirectly(t *testing.T) {
	r, store := newTestResolver("occupancy")
	in := incoming(t, entity.TableBuildingInspections, changelog.OpUpdate, `{"floors":4}`)
	in.BaseVersion = changelog.Stamp{Version: 4}

	res, err := r.Resolve(context.Background(), in, serverEntry(entity.TableBuildingInspections, changelog.OpUpdate, inspectionSnapshot))
	require.NoError(t, err)
	assert.Equal(t, ActionApply, res.Action)
	assert.False(t, res.Conflicted())
	assert.JSONEq(t, `4`, string(res.Record["floors"]))
	assert.JSONEq(t, `"B-17"`, string(res.Record["building_code"]))

	all, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestResolveStaleBaseAlwaysRaisesConflict(t *testing.T) {
	// servidor mudou occupancy; cliente muda structural_condition
	r, store := newTestResolver("occupancy")
	in := incoming(t, entity.TableBuildingInspections, changelog.OpUpdate, `{"structural_condition":"poor"}`)

	res, err := r.Resolve(context.Background(), in, serverEntry(entity.TableBuildingInspections, changelog.OpUpdate, inspectionSnapshot))
	require.NoError(t, err)
	assert.Equal(t, ActionApply, res.Action)
	assert.Equal(t, Merge, res.Resolution)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, TypeConcurrentUpdate, res.Conflicts[0].Type)
	assert.Equal(t, StatusResolved, res.Conflicts[0].Status)
	assert.Equal(t, changelog.Stamp{Version: 3}, res.Conflicts[0].BaseVersion)
	assert.Equal(t, changelog.Stamp{Version: 4}, res.Conflicts[0].ServerVersion)
	assert.JSONEq(t, `"poor"`, string(res.Record["structural_condition"]))
	assert.JSONEq(t, `"occupied"`, string(res.Record["occupancy"]))

	stored, err := store.List(context.Background(), Filter{SessionID: "01J0SESSION"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestResolveOverlappingMergeFieldGoesToReview(t *testing.T) {
	r, _ := newTestResolver("occupancy")
	in := incoming(t, entity.TableBuildingInspections, changelog.OpUpdate, `{"occupancy":"vacant","floors":5}`)

	res, err := r.Resolve(context.Background(), in, serverEntry(entity.TableBuildingInspections, changelog.OpUpdate, inspectionSnapshot))
	require.NoError(t, err)
	assert.Equal(t, ActionManual, res.Action)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "occupancy", res.Conflicts[0].FieldName)
	assert.Equal(t, StatusPendingReview, res.Conflicts[0].Status)

	pending, err := r.Pending(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestResolveFieldPolicies(t *testing.T) {
	// inspector_notes é client_wins mesmo alterado no servidor
	r, _ := newTestResolver("inspector_notes")
	in := incoming(t, entity.TableBuildingInspections, changelog.OpUpdate, `{"inspector_notes":"reparo concluído"}`)

	res, err := r.Resolve(context.Background(), in, serverEntry(entity.TableBuildingInspections, changelog.OpUpdate, inspectionSnapshot))
	require.NoError(t, err)
	assert.Equal(t, ActionApply, res.Action)
	assert.Equal(t, ClientWins, res.Resolution)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "inspector_notes", res.Conflicts[0].FieldName)
	assert.JSONEq(t, `"reparo concluído"`, string(res.Conflicts[0].FinalValue))
}

func TestResolveServerWinsFieldIsDropped(t *testing.T) {
	plot := `{
		"geo_node_id": "5f0c1a52-2f0e-4d1e-9a0a-0c1f4b3f9d11",
		"plot_number": "L-1",
		"boundary": {"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[0,0]]]},
		"approval_status": "pending",
		"surveyor_notes": "sem cerca"
	}`
	r, _ := newTestResolver("land_use")
	in := incoming(t, entity.TablePlotSurveys, changelog.OpUpdate, `{"approval_status":"approved","surveyor_notes":"cerca nova"}`)

	res, err := r.Resolve(context.Background(), in, serverEntry(entity.TablePlotSurveys, changelog.OpUpdate, plot))
	require.NoError(t, err)
	assert.Equal(t, ActionApply, res.Action)
	assert.NotContains(t, res.Patch, "approval_status")
	assert.JSONEq(t, `"pending"`, string(res.Record["approval_status"]))
	assert.JSONEq(t, `"cerca nova"`, string(res.Record["surveyor_notes"]))
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ServerWins, res.Conflicts[0].Resolution)

	// somente o campo autoritativo: nada a gravar
	in = incoming(t, entity.TablePlotSurveys, changelog.OpUpdate, `{"approval_status":"approved"}`)
	res, err = r.Resolve(context.Background(), in, serverEntry(entity.TablePlotSurveys, changelog.OpUpdate, plot))
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, res.Action)
}

func TestResolveDeletedOnServer(t *testing.T) {
	r, _ := newTestResolver()

	in := incoming(t, entity.TableBuildingInspections, changelog.OpUpdate, `{"floors":2}`)
	res, err := r.Resolve(context.Background(), in, serverEntry(entity.TableBuildingInspections, changelog.OpDelete, inspectionSnapshot))
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, res.Action)
	assert.Equal(t, DeletionWins, res.Resolution)
	assert.Equal(t, TypeDeletedOnServer, res.Conflicts[0].Type)

	// pontos levantados não podem ser descartados por exclusão
	in = incoming(t, entity.TableSurveyPoints, changelog.OpUpdate, `{"notes":"revisado"}`)
	res, err = r.Resolve(context.Background(), in, serverEntry(entity.TableSurveyPoints, changelog.OpDelete, `{"point_code":"P1"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionManual, res.Action)
	assert.Equal(t, StatusPendingReview, res.Conflicts[0].Status)
}

func TestResolveClientDeleteAgainstServerUpdate(t *testing.T) {
	cases := []struct {
		table  string
		action Action
	}{
		{entity.TableSurveyPoints, ActionApply},
		{entity.TableApplications, ActionSkip},
		{entity.TableBuildingInspections, ActionManual},
	}
	for _, tc := range cases {
		t.Run(tc.table, func(t *testing.T) {
			r, _ := newTestResolver()
			in := incoming(t, tc.table, changelog.OpDelete, ``)
			res, err := r.Resolve(context.Background(), in, serverEntry(tc.table, changelog.OpUpdate, `{"notes":"x"}`))
			require.NoError(t, err)
			assert.Equal(t, tc.action, res.Action)
			assert.Len(t, res.Conflicts, 1)
			assert.Nil(t, res.Patch)
		})
	}
}

func TestResolveInvalidMergeNeedsReview(t *testing.T) {
	// registro legado sem inspection_date não passa na validação completa
	legacy := `{"geo_node_id":"5f0c1a52-2f0e-4d1e-9a0a-0c1f4b3f9d11","building_code":"B-17"}`
	r, _ := newTestResolver("building_code")
	in := incoming(t, entity.TableBuildingInspections, changelog.OpUpdate, `{"floors":1}`)

	res, err := r.Resolve(context.Background(), in, serverEntry(entity.TableBuildingInspections, changelog.OpUpdate, legacy))
	require.NoError(t, err)
	assert.Equal(t, ActionManual, res.Action)
	assert.Equal(t, TypeValidationError, res.Conflicts[0].Type)
}

func TestResolveManual(t *testing.T) {
	r, _ := newTestResolver("occupancy")
	applier := &stubApplier{}
	r.SetApplier(applier)
	ctx := context.Background()
	reviewer := uuid.New()

	in := incoming(t, entity.TableBuildingInspections, changelog.OpUpdate, `{"occupancy":"vacant"}`)
	first, err := r.Resolve(ctx, in, serverEntry(entity.TableBuildingInspections, changelog.OpUpdate, inspectionSnapshot))
	require.NoError(t, err)
	second, err := r.Resolve(ctx, in, serverEntry(entity.TableBuildingInspections, changelog.OpUpdate, inspectionSnapshot))
	require.NoError(t, err)

	c, err := r.ResolveManual(ctx, first.Conflicts[0].ID, reviewer, ChooseServer)
	require.NoError(t, err)
	assert.Equal(t, ServerWins, c.Resolution)
	assert.Equal(t, StatusResolved, c.Status)
	assert.Empty(t, applier.applied)

	c, err = r.ResolveManual(ctx, second.Conflicts[0].ID, reviewer, ChooseClient)
	require.NoError(t, err)
	assert.Equal(t, ClientWins, c.Resolution)
	require.Len(t, applier.applied, 1)
	require.NotNil(t, c.ResolvedBy)
	assert.Equal(t, reviewer, *c.ResolvedBy)

	_, err = r.ResolveManual(ctx, second.Conflicts[0].ID, reviewer, ChooseClient)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = r.ResolveManual(ctx, uuid.New(), reviewer, ChooseClient)
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := r.Pending(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(strings.NewReader(`
default: server_wins
tables:
  survey_points:
    policy: merge
    fields:
      notes: client_wins
`))
	require.NoError(t, err)
	assert.Equal(t, Merge, p.ForTable(entity.TableSurveyPoints))
	assert.Equal(t, ClientWins, p.ForField(entity.TableSurveyPoints, "notes"))
	assert.False(t, p.PreserveOnDelete(entity.TableSurveyPoints))
	// tabelas ausentes do arquivo mantêm o embutido
	assert.Equal(t, ServerWins, p.ForField(entity.TablePlotSurveys, "approval_status"))

	_, err = LoadPolicy(strings.NewReader("tables:\n  parcels:\n    policy: merge\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = LoadPolicy(strings.NewReader("default: deletion_wins\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = LoadPolicy(strings.NewReader("unknown: 1\n"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	p, err = LoadPolicyFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}
