// Package views renders the HTML dashboard of the local sensors.
package views

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"strconv"
	"time"
)

//go:embed templates
var viewsFS embed.FS

var dashboardTmpl *template.Template

// loadTemplatesFromFS loads dashboard templates from the given fs and dir.
// Used by LoadTemplates and by tests to simulate failure scenarios.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	dashboardTmpl, err = template.New("").Funcs(funcs).ParseFS(sub, "*.html", "partials/*.html")
	if err != nil {
		return err
	}
	return nil
}

// LoadTemplates loads embedded dashboard templates. Call during startup before
// serving requests; if it returns an error, do not start the server.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

var funcs = template.FuncMap{
	"fixed": func(v *float64, digits int) string {
		if v == nil {
			return "–"
		}
		return strconv.FormatFloat(*v, 'f', digits, 64)
	},
	"since": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "never"
		}
		return t.UTC().Format(time.RFC3339)
	},
}

// SensorRow is the view model for one sensor on the dashboard. Humidity is
// in %RH.
type SensorRow struct {
	ID          string
	Name        string
	Claimed     bool
	Temperature *float64
	Humidity    *float64
	Pressure    *float64
	UpdatedAt   *time.Time
}

type DashboardData struct {
	Email   string
	Sensors []SensorRow
}

func RenderDashboard(w io.Writer, data *DashboardData) error {
	if dashboardTmpl == nil {
		return errors.New("dashboard template not loaded: call views.LoadTemplates during startup")
	}
	return dashboardTmpl.ExecuteTemplate(w, "dashboard.html", data)
}

// RenderSensorsPartial executes only the sensors table into w, for fragment
// refresh.
func RenderSensorsPartial(w io.Writer, data *DashboardData) error {
	if dashboardTmpl == nil {
		return errors.New("dashboard template not loaded: call views.LoadTemplates during startup")
	}
	return dashboardTmpl.ExecuteTemplate(w, "partials/sensors.html", data)
}
