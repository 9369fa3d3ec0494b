package procedure

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/audit"
)

// -- Mock Repository --

type mockRepo struct {
	mu         sync.Mutex
	store      map[uuid.UUID]*Procedure
	patients   map[uuid.UUID]string
	clinicians map[uuid.UUID]string
	specialty  map[uuid.UUID]string
	clock      time.Time
	failCreate func(p *Procedure) error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		store:      make(map[uuid.UUID]*Procedure),
		patients:   make(map[uuid.UUID]string),
		clinicians: make(map[uuid.UUID]string),
		specialty:  make(map[uuid.UUID]string),
		clock:      time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Minute)
	return m.clock
}

func (m *mockRepo) snapshot() map[uuid.UUID]Procedure {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[uuid.UUID]Procedure, len(m.store))
	for id, p := range m.store {
		snap[id] = *p
	}
	return snap
}

func (m *mockRepo) restore(snap map[uuid.UUID]Procedure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = make(map[uuid.UUID]*Procedure, len(snap))
	for id, p := range snap {
		cp := p
		m.store[id] = &cp
	}
}

func (m *mockRepo) Create(_ context.Context, p *Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		if err := m.failCreate(p); err != nil {
			return err
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = m.tick()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.store[p.ID] = &cp
	return nil
}

func (m *mockRepo) Update(_ context.Context, p *Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[p.ID]; !ok {
		return pgx.ErrNoRows
	}
	p.UpdatedAt = m.tick()
	cp := *p
	m.store[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) LatestForPair(_ context.Context, patientID uuid.UUID, specialty string) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Procedure
	for _, p := range m.store {
		if p.PatientID != patientID || p.Specialty != specialty {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		bestOpen, open := best.State != StateCompleted, p.State != StateCompleted
		if open && !bestOpen || open == bestOpen && p.UpdatedAt.After(best.UpdatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, pgx.ErrNoRows
	}
	cp := *best
	return &cp, nil
}

func (m *mockRepo) FindOpen(_ context.Context, patientID uuid.UUID, specialty string, excludeID uuid.UUID) (*Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if p.PatientID == patientID && p.Specialty == specialty && p.State != StateCompleted && p.ID != excludeID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockRepo) viewOf(p *Procedure) *View {
	cp := *p
	v := &View{Procedure: &cp, PatientName: m.patients[p.PatientID], StateLabel: p.State.Label()}
	if p.ResponsibleID != nil {
		name := m.clinicians[*p.ResponsibleID]
		v.ResponsibleName = &name
	}
	return v
}

func stateRankOf(s State) int {
	for i, st := range States {
		if st == s {
			return i
		}
	}
	return len(States)
}

func (m *mockRepo) GetView(_ context.Context, id uuid.UUID) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return m.viewOf(p), nil
}

func (m *mockRepo) List(_ context.Context, f Filter) ([]*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*View
	for _, p := range m.store {
		if f.Specialty != "" && p.Specialty != f.Specialty {
			continue
		}
		if f.ClinicianID != nil && (p.ResponsibleID == nil || *p.ResponsibleID != *f.ClinicianID) {
			continue
		}
		if f.State != "" && p.State != f.State || f.State == "" && p.State == StateCompleted {
			continue
		}
		out = append(out, m.viewOf(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Specialty != b.Specialty {
			return a.Specialty < b.Specialty
		}
		if ra, rb := stateRankOf(a.State), stateRankOf(b.State); ra != rb {
			return ra < rb
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
	return out, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*View
	for _, p := range m.store {
		if p.PatientID == patientID {
			out = append(out, m.viewOf(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Specialty < out[j].Specialty })
	return out, nil
}

func (m *mockRepo) CountBySpecialty(_ context.Context) ([]SpecialtyCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[SpecialtyCount]int)
	for _, p := range m.store {
		counts[SpecialtyCount{Specialty: p.Specialty, State: p.State}]++
	}
	var out []SpecialtyCount
	for k, n := range counts {
		k.Count = n
		out = append(out, k)
	}
	return out, nil
}

func (m *mockRepo) CountByClinician(_ context.Context) ([]ClinicianCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		id    uuid.UUID
		state State
	}
	counts := make(map[key]int)
	for _, p := range m.store {
		if p.ResponsibleID != nil {
			counts[key{*p.ResponsibleID, p.State}]++
		}
	}
	var out []ClinicianCount
	for k, n := range counts {
		out = append(out, ClinicianCount{
			ClinicianID: k.id, Name: m.clinicians[k.id], Specialty: m.specialty[k.id], State: k.state, Count: n,
		})
	}
	return out, nil
}

// -- Fake Transactor --

type txMarker struct{}

// fakeTx serializes units of work and restores the repository snapshot
// when fn fails.
type fakeTx struct {
	mu   sync.Mutex
	repo *mockRepo
}

func (f *fakeTx) InExclusiveTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.repo.snapshot()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		f.repo.restore(snap)
		return err
	}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Record(_ context.Context, e audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Action)
	}
	return out
}

type testEnv struct {
	svc    *Service
	repo   *mockRepo
	events *eventLog
}

func newTestEnv() *testEnv {
	repo := newMockRepo()
	events := &eventLog{}
	svc := NewService(repo, &fakeTx{repo: repo}, audit.NewRecorder(events, zerolog.Nop()), zerolog.Nop())
	return &testEnv{svc: svc, repo: repo, events: events}
}

func (env *testEnv) patient(name string) uuid.UUID {
	id := uuid.New()
	env.repo.patients[id] = name
	return id
}

func (env *testEnv) clinician(name, specialty string) identity.Caller {
	id := uuid.New()
	env.repo.clinicians[id] = name
	env.repo.specialty[id] = specialty
	return identity.Caller{ID: id, Role: identity.RoleClinician, Specialty: specialty}
}

func (env *testEnv) procedure(t *testing.T, patientID uuid.UUID, specialty string) uuid.UUID {
	t.Helper()
	out, err := env.svc.Materialize(context.Background(), patientID, []string{specialty})
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0].ProcedureID
}

func (env *testEnv) get(t *testing.T, id uuid.UUID) *Procedure {
	t.Helper()
	p, err := env.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

var (
	adminCaller = identity.Caller{ID: uuid.New(), Role: identity.RoleAdmin}
	coordCaller = identity.Caller{ID: uuid.New(), Role: identity.RoleCoordination}
)

// -- States --

func TestParseState(t *testing.T) {
	for _, s := range States {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	for _, bad := range []string{"", "pendente", "PENDING", "done"} {
		_, err := ParseState(bad)
		assert.True(t, apperr.IsValidation(err), "state %q", bad)
	}
	assert.True(t, StateAllocated.Held())
	assert.True(t, StateInProgress.Held())
	assert.False(t, StatePending.Held())
	assert.False(t, StateCompleted.Held())
}

// -- Pull --

func TestPull(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	fono := env.clinician("Bia", "Fonoaudiologia")
	id := env.procedure(t, pid, "Fonoaudiologia")

	v, err := env.svc.Pull(context.Background(), id, fono.ID, "Fonoaudiologia")
	require.NoError(t, err)
	assert.Equal(t, StateAllocated, v.State)
	require.NotNil(t, v.ResponsibleID)
	assert.Equal(t, fono.ID, *v.ResponsibleID)
	assert.Equal(t, "Ana", v.PatientName)
	require.NotNil(t, v.ResponsibleName)
	assert.Equal(t, "Bia", *v.ResponsibleName)
	assert.Equal(t, []string{audit.ActionProcedurePulled}, env.events.actions())
}

func TestPull_ClearsReturnReason(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, pid, "Psicologia")

	_, err := env.svc.Pull(context.Background(), id, a.ID, "Psicologia")
	require.NoError(t, err)
	_, err = env.svc.Release(context.Background(), id, "patient moved", a)
	require.NoError(t, err)
	require.NotNil(t, env.get(t, id).ReturnReason)

	_, err = env.svc.Pull(context.Background(), id, a.ID, "Psicologia")
	require.NoError(t, err)
	assert.Nil(t, env.get(t, id).ReturnReason)
}

func TestPull_Conflicts(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	fono := env.clinician("Bia", "Fonoaudiologia")
	psi := env.clinician("Caio", "Psicologia")
	id := env.procedure(t, pid, "Fonoaudiologia")

	_, err := env.svc.Pull(context.Background(), uuid.New(), fono.ID, "Fonoaudiologia")
	assert.True(t, apperr.IsConflict(err), "missing procedure: %v", err)

	_, err = env.svc.Pull(context.Background(), id, psi.ID, "Psicologia")
	assert.True(t, apperr.IsConflict(err), "specialty mismatch: %v", err)
	assert.Equal(t, StatePending, env.get(t, id).State)

	_, err = env.svc.Pull(context.Background(), id, fono.ID, "Fonoaudiologia")
	require.NoError(t, err)
	_, err = env.svc.Pull(context.Background(), id, fono.ID, "Fonoaudiologia")
	assert.True(t, apperr.IsConflict(err), "not pending: %v", err)

	assert.Equal(t, []string{audit.ActionProcedurePulled}, env.events.actions())
}

func TestPull_RequiresSpecialty(t *testing.T) {
	env := newTestEnv()
	id := env.procedure(t, env.patient("Ana"), "Fonoaudiologia")
	_, err := env.svc.Pull(context.Background(), id, adminCaller.ID, "")
	assert.True(t, apperr.IsForbidden(err))
}

func TestPull_CompetingHeldProcedure(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	fono := env.clinician("Bia", "Fonoaudiologia")
	other := env.clinician("Duda", "Fonoaudiologia")
	id := env.procedure(t, pid, "Fonoaudiologia")

	// A second open row for the pair, already held, as left by legacy data.
	held := &Procedure{PatientID: pid, Specialty: "Fonoaudiologia", State: StateAllocated, ResponsibleID: &other.ID}
	require.NoError(t, env.repo.Create(context.Background(), held))

	_, err := env.svc.Pull(context.Background(), id, fono.ID, "Fonoaudiologia")
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, StatePending, env.get(t, id).State)
}

func TestPull_ConcurrentExactlyOneWins(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	id := env.procedure(t, pid, "Fonoaudiologia")

	const n = 8
	callers := make([]identity.Caller, n)
	for i := range callers {
		callers[i] = env.clinician("clinician", "Fonoaudiologia")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []uuid.UUID
		conflicts int
	)
	for _, c := range callers {
		wg.Add(1)
		go func(c identity.Caller) {
			defer wg.Done()
			_, err := env.svc.Pull(context.Background(), id, c.ID, "Fonoaudiologia")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, c.ID)
			case apperr.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(c)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)
	p := env.get(t, id)
	assert.Equal(t, StateAllocated, p.State)
	require.NotNil(t, p.ResponsibleID)
	assert.Equal(t, winners[0], *p.ResponsibleID)
}

// -- Release --

func TestRelease(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, pid, "Psicologia")
	_, err := env.svc.Pull(context.Background(), id, a.ID, "Psicologia")
	require.NoError(t, err)

	v, err := env.svc.Release(context.Background(), id, "  family request  ", a)
	require.NoError(t, err)
	assert.Equal(t, StatePending, v.State)
	assert.Nil(t, v.ResponsibleID)
	require.NotNil(t, v.ReturnReason)
	assert.Equal(t, "family request", *v.ReturnReason)
	assert.Contains(t, env.events.actions(), audit.ActionProcedureReleased)
}

func TestRelease_RequiresReason(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, pid, "Psicologia")
	_, err := env.svc.Pull(context.Background(), id, a.ID, "Psicologia")
	require.NoError(t, err)

	_, err = env.svc.Release(context.Background(), id, "   ", a)
	assert.True(t, apperr.IsValidation(err))
	p := env.get(t, id)
	assert.Equal(t, StateAllocated, p.State)
	assert.Equal(t, a.ID, *p.ResponsibleID)
}

func TestRelease_Permissions(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Psicologia")
	b := env.clinician("Caio", "Psicologia")
	id := env.procedure(t, pid, "Psicologia")

	_, err := env.svc.Release(context.Background(), id, "x", a)
	assert.True(t, apperr.IsConflict(err), "pending cannot be released")

	_, err = env.svc.Release(context.Background(), uuid.New(), "x", a)
	assert.True(t, apperr.IsNotFound(err))

	_, err = env.svc.Pull(context.Background(), id, a.ID, "Psicologia")
	require.NoError(t, err)

	_, err = env.svc.Release(context.Background(), id, "x", b)
	assert.True(t, apperr.IsForbidden(err), "another clinician")
	assert.Equal(t, StateAllocated, env.get(t, id).State)

	_, err = env.svc.Release(context.Background(), id, "reassigning", coordCaller)
	assert.NoError(t, err, "coordination may override")
}

// -- UpdateState --

func TestUpdateState_Lifecycle(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Fonoaudiologia")
	id := env.procedure(t, pid, "Fonoaudiologia")
	_, err := env.svc.Pull(context.Background(), id, a.ID, "Fonoaudiologia")
	require.NoError(t, err)

	v, err := env.svc.UpdateState(context.Background(), id, "in_progress", a)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, v.State)

	v, err = env.svc.UpdateState(context.Background(), id, "completed", a)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, v.State)
	require.NotNil(t, v.ResponsibleID, "completed work stays credited")
	assert.Equal(t, a.ID, *v.ResponsibleID)

	stats, err := env.svc.StatsBySpecialty(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["Fonoaudiologia"].Get(StateCompleted))
}

func TestUpdateState_Errors(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Fonoaudiologia")
	b := env.clinician("Caio", "Fonoaudiologia")
	id := env.procedure(t, pid, "Fonoaudiologia")

	_, err := env.svc.UpdateState(context.Background(), id, "archived", adminCaller)
	assert.True(t, apperr.IsValidation(err))

	_, err = env.svc.UpdateState(context.Background(), uuid.New(), "completed", adminCaller)
	assert.True(t, apperr.IsNotFound(err))

	_, err = env.svc.UpdateState(context.Background(), id, "allocated", adminCaller)
	assert.True(t, apperr.IsConflict(err), "held state without responsible")

	_, err = env.svc.Pull(context.Background(), id, a.ID, "Fonoaudiologia")
	require.NoError(t, err)

	_, err = env.svc.UpdateState(context.Background(), id, "completed", b)
	assert.True(t, apperr.IsForbidden(err))

	_, err = env.svc.UpdateState(context.Background(), id, "completed", coordCaller)
	assert.True(t, apperr.IsForbidden(err), "direct updates are limited to responsible or admin")
}

func TestUpdateState_AdminPermissiveJump(t *testing.T) {
	env := newTestEnv()
	id := env.procedure(t, env.patient("Ana"), "Psicologia")

	v, err := env.svc.UpdateState(context.Background(), id, "completed", adminCaller)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, v.State)
	assert.Nil(t, v.ResponsibleID)
}

func TestUpdateState_PendingClearsResponsible(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, pid, "Psicologia")
	_, err := env.svc.Pull(context.Background(), id, a.ID, "Psicologia")
	require.NoError(t, err)

	v, err := env.svc.UpdateState(context.Background(), id, "pending", a)
	require.NoError(t, err)
	assert.Nil(t, v.ResponsibleID)
	assert.Nil(t, v.ReturnReason)
}

func TestUpdateState_ReopenBlockedByOpenSibling(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	old := &Procedure{PatientID: pid, Specialty: "Psicologia", State: StateCompleted}
	require.NoError(t, env.repo.Create(context.Background(), old))
	open := &Procedure{PatientID: pid, Specialty: "Psicologia", State: StatePending}
	require.NoError(t, env.repo.Create(context.Background(), open))

	_, err := env.svc.UpdateState(context.Background(), old.ID, "pending", adminCaller)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, StateCompleted, env.get(t, old.ID).State)
}

// -- Materialize --

func TestMaterialize_CreateUnchangedReopen(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Fonoaudiologia")

	out, err := env.svc.Materialize(context.Background(), pid, []string{"Fonoaudiologia", " Psicologia ", ""})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, OutcomeCreated, out[0].Outcome)
	assert.Equal(t, "Psicologia", out[1].Therapy)

	fono := out[0].ProcedureID
	_, err = env.svc.Pull(context.Background(), fono, a.ID, "Fonoaudiologia")
	require.NoError(t, err)

	out, err = env.svc.Materialize(context.Background(), pid, []string{"Fonoaudiologia"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out[0].Outcome)
	assert.Equal(t, StateAllocated, env.get(t, fono).State, "open work is left alone")

	_, err = env.svc.UpdateState(context.Background(), fono, "completed", a)
	require.NoError(t, err)

	out, err = env.svc.Materialize(context.Background(), pid, []string{"Fonoaudiologia"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReopened, out[0].Outcome)
	assert.Equal(t, fono, out[0].ProcedureID)

	p := env.get(t, fono)
	assert.Equal(t, StatePending, p.State)
	assert.Nil(t, p.ResponsibleID)
	assert.Nil(t, p.ReturnReason)

	views, err := env.svc.ListByPatient(context.Background(), pid)
	require.NoError(t, err)
	assert.Len(t, views, 2, "reopening never duplicates a row")
}

func TestMaterialize_DuplicateTherapies(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	out, err := env.svc.Materialize(context.Background(), pid, []string{"Psicologia", "Psicologia"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, OutcomeCreated, out[0].Outcome)
	assert.Equal(t, OutcomeUnchanged, out[1].Outcome)
	assert.Equal(t, out[0].ProcedureID, out[1].ProcedureID)
}

func TestMaterialize_RollsBackOnFailure(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	env.repo.failCreate = func(p *Procedure) error {
		if p.Specialty == "Musicoterapia" {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := env.svc.Materialize(context.Background(), pid, []string{"Psicologia", "Musicoterapia"})
	require.Error(t, err)

	views, err := env.svc.ListByPatient(context.Background(), pid)
	require.NoError(t, err)
	assert.Empty(t, views)
}

// -- Read side --

func TestListForDistribution(t *testing.T) {
	env := newTestEnv()
	ana, beto := env.patient("Ana"), env.patient("Beto")
	a := env.clinician("Bia", "Psicologia")

	p1 := env.procedure(t, ana, "Psicologia")
	env.procedure(t, beto, "Psicologia")
	env.procedure(t, ana, "Fonoaudiologia")
	done := env.procedure(t, beto, "Fonoaudiologia")
	_, err := env.svc.UpdateState(context.Background(), done, "completed", adminCaller)
	require.NoError(t, err)
	_, err = env.svc.Pull(context.Background(), p1, a.ID, "Psicologia")
	require.NoError(t, err)

	all, err := env.svc.ListForDistribution(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Fonoaudiologia", all[0].Specialty)
	assert.Equal(t, StatePending, all[1].State)
	assert.Equal(t, StateAllocated, all[2].State, "pending sorts before allocated within a specialty")

	completed, err := env.svc.ListForDistribution(context.Background(), Filter{State: StateCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, done, completed[0].ID)

	mine, err := env.svc.ListForDistribution(context.Background(), Filter{ClinicianID: &a.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, p1, mine[0].ID)

	_, err = env.svc.ListForDistribution(context.Background(), Filter{State: "closed"})
	assert.True(t, apperr.IsValidation(err))
}

func TestBoard(t *testing.T) {
	env := newTestEnv()
	ana := env.patient("Ana")
	a := env.clinician("Bia", "Psicologia")
	p1 := env.procedure(t, ana, "Psicologia")
	env.procedure(t, ana, "Fonoaudiologia")
	_, err := env.svc.Pull(context.Background(), p1, a.ID, "Psicologia")
	require.NoError(t, err)

	board, err := env.svc.Board(context.Background(), Filter{State: StateCompleted})
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "Fonoaudiologia", board[0].Specialty)
	assert.Len(t, board[0].Pending, 1)
	assert.Equal(t, "Psicologia", board[1].Specialty)
	assert.Len(t, board[1].Allocated, 1)
	assert.Empty(t, board[1].Pending)
}

func TestStatsByClinician(t *testing.T) {
	env := newTestEnv()
	ana, beto := env.patient("Ana"), env.patient("Beto")
	bia := env.clinician("Bia", "Psicologia")
	caio := env.clinician("Caio", "Fonoaudiologia")

	p1 := env.procedure(t, ana, "Psicologia")
	p2 := env.procedure(t, beto, "Psicologia")
	p3 := env.procedure(t, ana, "Fonoaudiologia")
	for _, pull := range []struct {
		id uuid.UUID
		c  identity.Caller
	}{{p1, bia}, {p2, bia}, {p3, caio}} {
		_, err := env.svc.Pull(context.Background(), pull.id, pull.c.ID, pull.c.Specialty)
		require.NoError(t, err)
	}
	_, err := env.svc.UpdateState(context.Background(), p2, "completed", bia)
	require.NoError(t, err)

	stats, err := env.svc.StatsByClinician(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "Bia (Psicologia)", stats[0].Label)
	assert.Equal(t, 1, stats[0].Allocated)
	assert.Equal(t, 1, stats[0].Completed)
	assert.Equal(t, 2, stats[0].Total)
	assert.Equal(t, "Caio (Fonoaudiologia)", stats[1].Label)

	counters, err := env.svc.ClinicianCounters(context.Background(), bia.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Completed)

	none, err := env.svc.ClinicianCounters(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 0, none.Total)
}

// Exclusivity holds across any interleaving of the operations above: at
// most one held procedure per (patient, specialty).
func TestExclusivity_AcrossOperations(t *testing.T) {
	env := newTestEnv()
	pid := env.patient("Ana")
	a := env.clinician("Bia", "Psicologia")
	b := env.clinician("Caio", "Psicologia")

	id := env.procedure(t, pid, "Psicologia")
	steps := []func() error{
		func() error { _, err := env.svc.Pull(context.Background(), id, a.ID, "Psicologia"); return err },
		func() error { _, err := env.svc.Pull(context.Background(), id, b.ID, "Psicologia"); return err },
		func() error { _, err := env.svc.Materialize(context.Background(), pid, []string{"Psicologia"}); return err },
		func() error { _, err := env.svc.Release(context.Background(), id, "swap", a); return err },
		func() error { _, err := env.svc.Pull(context.Background(), id, b.ID, "Psicologia"); return err },
		func() error { _, err := env.svc.UpdateState(context.Background(), id, "completed", b); return err },
		func() error { _, err := env.svc.Materialize(context.Background(), pid, []string{"Psicologia"}); return err },
		func() error { _, err := env.svc.Pull(context.Background(), id, a.ID, "Psicologia"); return err },
	}
	for _, step := range steps {
		_ = step()
		held := 0
		for _, p := range env.repo.snapshot() {
			if p.PatientID == pid && p.State.Held() {
				held++
			}
		}
		require.LessOrEqual(t, held, 1)
	}
	assert.Equal(t, StateAllocated, env.get(t, id).State)
	assert.Equal(t, a.ID, *env.get(t, id).ResponsibleID)
}
