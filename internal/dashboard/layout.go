// Package dashboard はダッシュボードの画面構成とウィジェットの購読を提供する。
package dashboard

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/pescadash/internal/apiclient"
	"github.com/hitoshi/pescadash/internal/model"
)

// DefaultSeasonStart はシーズン開始日（dd/mm/yyyy）。
const DefaultSeasonStart = "15/10/2025"

// Widget は1つのエンドポイントを定期取得する表示部品。
type Widget struct {
	ID          string        `yaml:"id"`
	Title       string        `yaml:"title"`
	Endpoint    string        `yaml:"endpoint"`
	Interval    time.Duration `yaml:"interval"`
	SeasonRange bool          `yaml:"season_range"` // シーズン開始日から当日までを対象にする
	FailureText string        `yaml:"failure_text"`
}

// View は1画面分の構成。
type View struct {
	Path          string   `yaml:"path"`
	Title         string   `yaml:"title"`
	ManagerOnly   bool     `yaml:"manager_only"`
	ReportBuilder bool     `yaml:"report_builder"`
	Widgets       []Widget `yaml:"widgets"`
}

// Layout はダッシュボード全体の構成。
type Layout struct {
	SeasonStart string `yaml:"season_start"`
	Views       []View `yaml:"views"`
}

// DefaultLayout は既定の画面構成を返す。
func DefaultLayout() *Layout {
	return &Layout{
		SeasonStart: DefaultSeasonStart,
		Views: []View{
			{
				Path:  "/",
				Title: "Permisos",
				Widgets: []Widget{
					{ID: "permit-count", Title: "Cantidad Total de Permisos", Endpoint: apiclient.EndpointPermitCount, Interval: 5 * time.Second, SeasonRange: true, FailureText: "No se pudo obtener el conteo."},
					{ID: "chart-data", Title: "Permisos por Día", Endpoint: apiclient.EndpointChartData, Interval: 10 * time.Second, SeasonRange: true, FailureText: "No se pudieron cargar los datos del gráfico."},
				},
			},
			{
				Path:        "/recaudacion",
				Title:       "Recaudación",
				ManagerOnly: true,
				Widgets: []Widget{
					{ID: "total-recaudacion", Title: "Total Recaudación", Endpoint: apiclient.EndpointTotalRecaudacion, Interval: 10 * time.Second, FailureText: "No se pudo obtener la recaudación total."},
					{ID: "recaudacion-por-dia", Title: "Recaudación por Día", Endpoint: apiclient.EndpointRecaudacionPorDia, Interval: 10 * time.Second, FailureText: "No se pudieron cargar los datos del gráfico."},
				},
			},
			{
				Path:  "/categorias",
				Title: "Categorías",
				Widgets: []Widget{
					{ID: "categoria-pesca", Title: "Cantidad por Categoría de Permiso", Endpoint: apiclient.EndpointCategoriaPesca, Interval: 10 * time.Second, FailureText: "No se pudieron cargar los datos de las categorías."},
				},
			},
			{
				Path:  "/regiones",
				Title: "Regiones",
				Widgets: []Widget{
					{ID: "regiones-count", Title: "Cantidad por Región", Endpoint: apiclient.EndpointRegionesCount, Interval: 10 * time.Second, FailureText: "No se pudieron cargar los datos de las regiones."},
				},
			},
			{
				Path:  "/ultimos-registros",
				Title: "Últimos Registros",
				Widgets: []Widget{
					{ID: "latest-records", Title: "Últimos 10 Registros", Endpoint: apiclient.EndpointLatestRecords, Interval: 15 * time.Second, FailureText: "No se pudieron cargar los últimos registros."},
				},
			},
			{
				Path:          "/reportes",
				Title:         "Reportes Personalizados",
				ManagerOnly:   true,
				ReportBuilder: true,
			},
		},
	}
}

// LoadLayout はYAMLファイルから画面構成を読み込む。pathが空の場合は既定の構成を返す。
func LoadLayout(path string) (*Layout, error) {
	if path == "" {
		return DefaultLayout(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}
	if l.SeasonStart == "" {
		l.SeasonStart = DefaultSeasonStart
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

var knownEndpoints = map[string]bool{
	apiclient.EndpointPermitCount:       true,
	apiclient.EndpointChartData:         true,
	apiclient.EndpointTotalRecaudacion:  true,
	apiclient.EndpointRecaudacionPorDia: true,
	apiclient.EndpointCategoriaPesca:    true,
	apiclient.EndpointRegionesCount:     true,
	apiclient.EndpointLatestRecords:     true,
}

// Validate は構成の整合性を検証する。
func (l *Layout) Validate() error {
	if _, err := time.Parse(model.DateLayout, l.SeasonStart); err != nil {
		return fmt.Errorf("invalid season_start %q: %w", l.SeasonStart, err)
	}
	if len(l.Views) == 0 {
		return fmt.Errorf("layout has no views")
	}
	paths := make(map[string]bool)
	for _, v := range l.Views {
		if v.Path == "" || v.Path[0] != '/' {
			return fmt.Errorf("view %q: path must start with /", v.Path)
		}
		if paths[v.Path] {
			return fmt.Errorf("view %q: duplicate path", v.Path)
		}
		paths[v.Path] = true

		ids := make(map[string]bool)
		for _, w := range v.Widgets {
			if w.ID == "" || ids[w.ID] {
				return fmt.Errorf("view %q: widget id %q is empty or duplicated", v.Path, w.ID)
			}
			ids[w.ID] = true
			if !knownEndpoints[w.Endpoint] {
				return fmt.Errorf("view %q widget %q: unknown endpoint %q", v.Path, w.ID, w.Endpoint)
			}
			if w.Interval <= 0 {
				return fmt.Errorf("view %q widget %q: interval must be positive", v.Path, w.ID)
			}
		}
	}
	return nil
}

// View はパスに対応する画面を返す。
func (l *Layout) View(path string) (*View, bool) {
	for i := range l.Views {
		if l.Views[i].Path == path {
			return &l.Views[i], true
		}
	}
	return nil, false
}

// ManagerOnlyPaths は管理者専用画面のパス集合を返す。
func (l *Layout) ManagerOnlyPaths() map[string]bool {
	out := make(map[string]bool)
	for _, v := range l.Views {
		if v.ManagerOnly {
			out[v.Path] = true
		}
	}
	return out
}

// SeasonStartDate はシーズン開始日を返す。
func (l *Layout) SeasonStartDate() time.Time {
	t, _ := time.Parse(model.DateLayout, l.SeasonStart)
	return t
}
