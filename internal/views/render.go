package views

import (
	"errors"
	"html/template"
	"io"
	"io/fs"

	"stackchan/internal/dispatch"
	"stackchan/internal/presentation"
)

var pageTmpl *template.Template

// loadTemplatesFromFS loads page templates from the given fs and dir.
// Used by LoadTemplates and by tests to simulate failure scenarios.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	pageTmpl, err = template.ParseFS(sub, "*.html", "partials/*.html")
	if err != nil {
		return err
	}
	return nil
}

// LoadTemplates loads the embedded control page. Call during startup before
// serving requests; if it returns an error, do not start the transports.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

type Option struct {
	Index    int
	Label    string
	Selected bool
}

// PageData is the view model for the control page.
type PageData struct {
	Status      dispatch.Status
	Expressions []Option
	Colors      []Option
}

// NewPageData builds the control page model from a status snapshot.
func NewPageData(st dispatch.Status) *PageData {
	d := &PageData{Status: st}
	for i := 0; i < presentation.ExpressionCount; i++ {
		d.Expressions = append(d.Expressions, Option{
			Index:    i,
			Label:    presentation.Expression(i).Label(),
			Selected: i == st.Expression,
		})
	}
	for i := 0; i < presentation.PaletteCount; i++ {
		p, _ := presentation.PaletteAt(i)
		d.Colors = append(d.Colors, Option{Index: i, Label: p.Name, Selected: i == st.ColorIndex})
	}
	return d
}

func RenderIndex(w io.Writer, data *PageData) error {
	if pageTmpl == nil {
		return errors.New("page template not loaded: call views.LoadTemplates during startup")
	}
	return pageTmpl.ExecuteTemplate(w, "index.html", data)
}

// RenderStatusPartial executes only the status block, for live refresh.
func RenderStatusPartial(w io.Writer, data *PageData) error {
	if pageTmpl == nil {
		return errors.New("page template not loaded: call views.LoadTemplates during startup")
	}
	return pageTmpl.ExecuteTemplate(w, "partials/status.html", data)
}
