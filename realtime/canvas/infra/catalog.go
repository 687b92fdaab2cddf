package infra

import (
	"fmt"
	"sort"
	"sync/atomic"

	"canvas-gateway/realtime/canvas/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Catalog é o catálogo de canvas em memória, trocado inteiro a cada reload.
// Leitores nunca veem um catálogo parcial: a troca é um único ponteiro atômico.
type Catalog struct {
	current atomic.Pointer[map[domain.CanvasID]domain.Canvas]

	v   *viper.Viper
	log *zap.Logger
}

var _ domain.CanvasCatalog = (*Catalog)(nil)

type catalogFile struct {
	Canvases []canvasEntry `mapstructure:"canvases"`
}

type canvasEntry struct {
	ID              int      `mapstructure:"id"`
	Ident           string   `mapstructure:"ident"`
	Title           string   `mapstructure:"title"`
	Size            int      `mapstructure:"size"`
	ChunkSize       int      `mapstructure:"chunk_size"`
	Layers          int      `mapstructure:"layers"`
	Colors          []string `mapstructure:"colors"`
	ClrIgnore       int      `mapstructure:"clr_ignore"`
	BCD             int64    `mapstructure:"bcd"`
	PCD             int64    `mapstructure:"pcd"`
	CDS             int64    `mapstructure:"cds"`
	ReqPrivilege    string   `mapstructure:"req_privilege"`
	RequireVerified bool     `mapstructure:"require_verified"`
	Ranked          bool     `mapstructure:"ranked"`
	Volumetric      bool     `mapstructure:"volumetric"`
	Expired         bool     `mapstructure:"expired"`
	Protected       []struct {
		X int `mapstructure:"x"`
		Y int `mapstructure:"y"`
		W int `mapstructure:"w"`
		H int `mapstructure:"h"`
	} `mapstructure:"protected"`
}

func (e canvasEntry) toDomain() (domain.Canvas, error) {
	if e.ID < 0 || e.ID > 255 {
		return domain.Canvas{}, fmt.Errorf("%w: id %d does not fit in a byte", domain.ErrInvalidCanvas, e.ID)
	}
	priv, err := domain.ParsePrivilege(e.ReqPrivilege)
	if err != nil {
		return domain.Canvas{}, fmt.Errorf("canvas %d: %w", e.ID, err)
	}
	c := domain.Canvas{
		ID:                domain.CanvasID(e.ID),
		Ident:             e.Ident,
		Title:             e.Title,
		Size:              e.Size,
		ChunkSize:         e.ChunkSize,
		Layers:            e.Layers,
		Colors:            e.Colors,
		ClrIgnore:         e.ClrIgnore,
		BaseCooldownMs:    e.BCD,
		PixelCooldownMs:   e.PCD,
		CooldownCapMs:     e.CDS,
		RequiredPrivilege: priv,
		RequireVerified:   e.RequireVerified,
		Ranked:            e.Ranked,
		Volumetric:        e.Volumetric,
		Expired:           e.Expired,
	}
	for _, p := range e.Protected {
		c.Protected = append(c.Protected, domain.Rect{X: p.X, Y: p.Y, W: p.W, H: p.H})
	}
	return c, c.Validate()
}

// LoadCatalog lê o YAML do catálogo. Qualquer canvas inválido recusa o arquivo inteiro.
func LoadCatalog(path string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	c := &Catalog{v: v, log: log}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStaticCatalog monta um catálogo fixo (testes e servidor de exemplo).
func NewStaticCatalog(canvases ...domain.Canvas) *Catalog {
	c := &Catalog{log: zap.NewNop()}
	m := make(map[domain.CanvasID]domain.Canvas, len(canvases))
	for _, cv := range canvases {
		m[cv.ID] = cv
	}
	c.current.Store(&m)
	return c
}

// Reload relê o arquivo e troca o catálogo. Em erro o catálogo anterior continua valendo.
func (c *Catalog) Reload() error {
	if c.v == nil {
		return nil
	}
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read canvas catalog: %w", err)
	}
	var f catalogFile
	if err := c.v.Unmarshal(&f); err != nil {
		return fmt.Errorf("decode canvas catalog: %w", err)
	}
	if len(f.Canvases) == 0 {
		return fmt.Errorf("%w: catalog has no canvases", domain.ErrInvalidCanvas)
	}

	m := make(map[domain.CanvasID]domain.Canvas, len(f.Canvases))
	for _, e := range f.Canvases {
		cv, err := e.toDomain()
		if err != nil {
			return err
		}
		if _, dup := m[cv.ID]; dup {
			return fmt.Errorf("%w: duplicate canvas id %d", domain.ErrInvalidCanvas, cv.ID)
		}
		m[cv.ID] = cv
	}
	c.current.Store(&m)
	return nil
}

// Watch recarrega o catálogo quando o arquivo muda.
func (c *Catalog) Watch() {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if err := c.Reload(); err != nil {
			c.log.Error("canvas catalog reload failed, keeping previous", zap.String("file", e.Name), zap.Error(err))
			return
		}
		c.log.Info("canvas catalog reloaded", zap.String("file", e.Name), zap.Int("canvases", len(c.All())))
	})
	c.v.WatchConfig()
}

func (c *Catalog) Canvas(id domain.CanvasID) (domain.Canvas, bool) {
	m := c.current.Load()
	if m == nil {
		return domain.Canvas{}, false
	}
	cv, ok := (*m)[id]
	return cv, ok
}

// All devolve os canvas ordenados por id.
func (c *Catalog) All() []domain.Canvas {
	m := c.current.Load()
	if m == nil {
		return nil
	}
	out := make([]domain.Canvas, 0, len(*m))
	for _, cv := range *m {
		out = append(out, cv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
