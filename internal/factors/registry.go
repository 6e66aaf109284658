package factors

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ladder/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Template 描述一张可复用的因子表：三条等长序列按档位对齐。
type Template struct {
	ID          string    `mapstructure:"id" yaml:"id"`
	Description string    `mapstructure:"description" yaml:"description"`
	Weights     []float64 `mapstructure:"weights" yaml:"weights"`
	SellRates   []float64 `mapstructure:"sell_rates" yaml:"sell_rates"`
	BuyRates    []float64 `mapstructure:"buy_rates" yaml:"buy_rates"`
}

// FileConfig 映射 factor_tables。
type FileConfig struct {
	FactorTables map[string]Template `mapstructure:"factor_tables" yaml:"factor_tables"`
}

// Snapshot 公开的模板快照。
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates map[string]Template
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

const templateSchema = `{
	"type": "object",
	"required": ["weights", "sell_rates", "buy_rates"],
	"properties": {
		"id": {"type": "string"},
		"description": {"type": "string"},
		"weights": {"type": "array", "minItems": 1, "items": {"type": "number", "exclusiveMinimum": 0}},
		"sell_rates": {"type": "array", "minItems": 1, "items": {"type": "number", "exclusiveMinimum": 0}},
		"buy_rates": {"type": "array", "minItems": 1, "items": {"type": "number", "exclusiveMinimum": 0}}
	}
}`

var compiledSchema = jsonschema.MustCompileString("factor_template.json", templateSchema)

// Registry 管理因子表模板，文件变更时自动重载。
// Worker 在两个 cycle 之间取快照，cycle 内部的配置保持不可变。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取模板文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("factor registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read factor table config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("factor table reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot 返回当前模板集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Template 返回指定 ID 的模板。
func (r *Registry) Template(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.snapshot.Templates[strings.TrimSpace(id)]
	return tpl, ok
}

func (r *Registry) reload() error {
	cfg, err := readFactorFile(r.path)
	if err != nil {
		return err
	}
	templates := make(map[string]Template)
	for name, tpl := range cfg.FactorTables {
		norm, err := normalizeTemplate(name, tpl)
		if err != nil {
			return fmt.Errorf("factor table %q: %w", name, err)
		}
		templates[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("factor registry loaded %d templates from %s", len(templates), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("factor registry listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func normalizeTemplate(name string, tpl Template) (Template, error) {
	tpl.ID = strings.TrimSpace(tpl.ID)
	if tpl.ID == "" {
		tpl.ID = strings.TrimSpace(name)
	}
	tpl.Description = strings.TrimSpace(tpl.Description)
	if err := validateTemplate(tpl); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

func validateTemplate(tpl Template) error {
	doc := map[string]any{
		"id":          tpl.ID,
		"description": tpl.Description,
		"weights":     toAnySlice(tpl.Weights),
		"sell_rates":  toAnySlice(tpl.SellRates),
		"buy_rates":   toAnySlice(tpl.BuyRates),
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return err
	}
	if len(tpl.Weights) != len(tpl.SellRates) || len(tpl.Weights) != len(tpl.BuyRates) {
		return fmt.Errorf("sequences must have equal length (%d/%d/%d)",
			len(tpl.Weights), len(tpl.SellRates), len(tpl.BuyRates))
	}
	for i := range tpl.Weights {
		if tpl.SellRates[i] <= tpl.BuyRates[i] {
			return fmt.Errorf("level %d: sell_rate %v must exceed buy_rate %v",
				i+1, tpl.SellRates[i], tpl.BuyRates[i])
		}
	}
	return nil
}

func toAnySlice(vals []float64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:   src.Version,
		LoadedAt:  src.LoadedAt,
		Templates: make(map[string]Template, len(src.Templates)),
	}
	for id, tpl := range src.Templates {
		dst.Templates[id] = tpl
	}
	return dst
}

func readFactorFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.FactorTables == nil {
		return nil, fmt.Errorf("factor table file %s: factor_tables 不能为空", filepath.Base(path))
	}
	return &cfg, nil
}
