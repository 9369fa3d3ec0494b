package procedure

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/teaclinic/clinic/internal/platform/reporting"
)

// Reports adapts the statistics to the reporting exports and dashboard.
type Reports struct {
	svc *Service
}

func NewReports(svc *Service) *Reports {
	return &Reports{svc: svc}
}

var stateHeader = []string{"Pendente", "Alocado", "Em andamento", "Concluído", "Total"}

func countsRow(label string, c StateCounts) []interface{} {
	return []interface{}{label, c.Pending, c.Allocated, c.InProgress, c.Completed, c.Total}
}

func (r *Reports) SpecialtyTable(ctx context.Context) (*reporting.Table, error) {
	stats, err := r.svc.StatsBySpecialty(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	t := &reporting.Table{Title: "especialidades", Header: append([]string{"Especialidade"}, stateHeader...)}
	for _, name := range names {
		t.Rows = append(t.Rows, countsRow(name, *stats[name]))
	}
	return t, nil
}

func (r *Reports) ClinicianTable(ctx context.Context) (*reporting.Table, error) {
	stats, err := r.svc.StatsByClinician(ctx)
	if err != nil {
		return nil, err
	}
	t := &reporting.Table{Title: "profissionais", Header: append([]string{"Profissional"}, stateHeader...)}
	for _, cs := range stats {
		t.Rows = append(t.Rows, countsRow(cs.Label, cs.StateCounts))
	}
	return t, nil
}

func (r *Reports) DistributionTable(ctx context.Context) (*reporting.Table, error) {
	views, err := r.svc.ListForDistribution(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	t := &reporting.Table{
		Title:  "procedimentos",
		Header: []string{"Paciente", "Especialidade", "Status", "Responsável", "Motivo de retorno", "Atualizado em"},
	}
	for _, v := range views {
		t.Rows = append(t.Rows, []interface{}{
			v.PatientName, v.Specialty, v.StateLabel, v.ResponsibleName, v.ReturnReason, v.UpdatedAt,
		})
	}
	return t, nil
}

func (r *Reports) PersonalCounts(ctx context.Context, clinicianID uuid.UUID) (map[string]int, error) {
	c, err := r.svc.ClinicianCounters(ctx, clinicianID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(States))
	for _, s := range States {
		out[string(s)] = c.Get(s)
	}
	return out, nil
}
