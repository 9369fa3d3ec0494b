// Package reporting serves the dashboard, the predefined SQL measures and
// the CSV/XLSX exports of procedure statistics.
package reporting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/teaclinic/clinic/internal/platform/auth"
)

// MeasureDefinition defines a reporting measure with its SQL query.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "patient-count",
		Name:        "Patient Count",
		Description: "Total number of registered patients",
		SQL:         `SELECT COUNT(*) AS total FROM patients`,
	},
	{
		ID:          "procedures-by-state",
		Name:        "Procedures by State",
		Description: "Number of procedures in each state",
		SQL:         `SELECT state, COUNT(*) AS total FROM procedures GROUP BY state ORDER BY state`,
	},
	{
		ID:          "recent-evaluations",
		Name:        "Recent Evaluations",
		Description: "Evaluations recorded in the last 7 days",
		SQL:         `SELECT COUNT(*) AS total FROM evaluations WHERE created_at >= NOW() - INTERVAL '7 days'`,
	},
	{
		ID:          "open-procedures-by-specialty",
		Name:        "Open Procedures by Specialty",
		Description: "Procedures not yet completed, grouped by specialty",
		SQL:         `SELECT specialty, COUNT(*) AS total FROM procedures WHERE state <> 'completed' GROUP BY specialty ORDER BY total DESC, specialty`,
	},
	{
		ID:          "active-staff-by-role",
		Name:        "Active Staff by Role",
		Description: "Active accounts grouped by role",
		SQL:         `SELECT role, COUNT(*) AS total FROM clinicians WHERE active GROUP BY role ORDER BY role`,
	},
}

// TableSource supplies the rows behind the exports.
type TableSource interface {
	SpecialtyTable(ctx context.Context) (*Table, error)
	ClinicianTable(ctx context.Context) (*Table, error)
	DistributionTable(ctx context.Context) (*Table, error)
}

// CounterSource supplies a clinician's personal counters for the dashboard.
type CounterSource interface {
	PersonalCounts(ctx context.Context, clinicianID uuid.UUID) (map[string]int, error)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	db       querier
	tables   TableSource
	counters CounterSource
	now      func() time.Time
}

func NewHandler(db querier, tables TableSource, counters CounterSource) *Handler {
	return &Handler{db: db, tables: tables, counters: counters, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dashboard", h.Dashboard, auth.RequireRole(auth.RoleClinician, auth.RoleCoordination))

	reportGroup := api.Group("/reports", auth.RequireRole(auth.RoleCoordination))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
	reportGroup.GET("/specialties.csv", h.export(TableSource.SpecialtyTable, formatCSV))
	reportGroup.GET("/specialties.xlsx", h.export(TableSource.SpecialtyTable, formatXLSX))
	reportGroup.GET("/clinicians.csv", h.export(TableSource.ClinicianTable, formatCSV))
	reportGroup.GET("/clinicians.xlsx", h.export(TableSource.ClinicianTable, formatXLSX))
	reportGroup.GET("/procedures.csv", h.export(TableSource.DistributionTable, formatCSV))
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: h.now(),
		Results:     results,
	})
}

// Dashboard is the landing page summary.
type Dashboard struct {
	Patients          int64            `json:"patients"`
	Procedures        int64            `json:"procedures"`
	ByState           map[string]int64 `json:"by_state"`
	RecentEvaluations int64            `json:"evaluations_last_7_days"`
	Mine              map[string]int   `json:"mine,omitempty"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

func (h *Handler) Dashboard(c echo.Context) error {
	ctx := c.Request().Context()
	d := Dashboard{ByState: map[string]int64{}, GeneratedAt: h.now()}

	var err error
	if d.Patients, err = h.scalar(ctx, "patient-count"); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if d.RecentEvaluations, err = h.scalar(ctx, "recent-evaluations"); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rows, err := h.executeSQL(ctx, FindMeasure("procedures-by-state").SQL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, r := range rows {
		state, _ := r["state"].(string)
		n := toInt64(r["total"])
		d.ByState[state] = n
		d.Procedures += n
	}

	if uid, err := uuid.Parse(auth.UserIDFromContext(ctx)); err == nil && h.counters != nil {
		mine, err := h.counters.PersonalCounts(ctx, uid)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		d.Mine = mine
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) scalar(ctx context.Context, measureID string) (int64, error) {
	rows, err := h.executeSQL(ctx, FindMeasure(measureID).SQL)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", measureID, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["total"]), nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

type format struct {
	ext         string
	contentType string
	render      func(t *Table) ([]byte, error)
}

var (
	formatCSV = format{
		ext:         "csv",
		contentType: "text/csv; charset=utf-8",
		render: func(t *Table) ([]byte, error) {
			var buf bytes.Buffer
			err := WriteCSV(&buf, t)
			return buf.Bytes(), err
		},
	}
	formatXLSX = format{
		ext:         "xlsx",
		contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		render:      func(t *Table) ([]byte, error) { return XLSX(t) },
	}
)

func (h *Handler) export(load func(TableSource, context.Context) (*Table, error), f format) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := load(h.tables, c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load report: %v", err))
		}
		body, err := f.render(t)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("render report: %v", err))
		}
		filename := fmt.Sprintf("%s_%s.%s", t.Title, h.now().Format("20060102"), f.ext)
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
		return c.Blob(http.StatusOK, f.contentType, body)
	}
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	rows, err := h.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var results []map[string]interface{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if results == nil {
		results = []map[string]interface{}{}
	}
	return results, nil
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
