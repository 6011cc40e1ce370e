package config

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: UNIMQ_MESSAGING_KIND overrides
// messaging.kind.
const EnvPrefix = "UNIMQ"

var ErrConfigType = errors.New("config: config type is required")

// Viper implements Config on spf13/viper.
type Viper struct {
	v *viper.Viper

	mu       sync.Mutex
	onReload []func()
}

// NewViper reads the file at path and watches it. A reload that fails to
// parse keeps the previous values.
func NewViper(path string) (*Viper, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	vc := &Viper{v: v}
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("config file changed", "path", path, "op", e.Op.String())
		vc.reloaded()
	})
	v.WatchConfig()

	return vc, nil
}

// NewViperFromBytes reads configuration of configType ("yaml", "json",
// "toml") from data.
func NewViperFromBytes(configType string, data []byte) (*Viper, error) {
	if strings.TrimSpace(configType) == "" {
		return nil, ErrConfigType
	}

	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	return &Viper{v: v}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// OnReload registers fn to run after the watched file is re-read.
func (vc *Viper) OnReload(fn func()) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.onReload = append(vc.onReload, fn)
}

func (vc *Viper) reloaded() {
	vc.mu.Lock()
	hooks := slices.Clone(vc.onReload)
	vc.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (vc *Viper) GetMillisecond(key string) time.Duration {
	return time.Duration(vc.v.GetInt64(key)) * time.Millisecond
}

func (vc *Viper) GetSecond(key string) time.Duration {
	return time.Duration(vc.v.GetInt64(key)) * time.Second
}

func (vc *Viper) GetHour(key string) time.Duration {
	return time.Duration(vc.v.GetInt64(key)) * time.Hour
}

func (vc *Viper) GetInt(key string) int         { return vc.v.GetInt(key) }
func (vc *Viper) GetInt32(key string) int32     { return vc.v.GetInt32(key) }
func (vc *Viper) GetInt64(key string) int64     { return vc.v.GetInt64(key) }
func (vc *Viper) GetFloat64(key string) float64 { return vc.v.GetFloat64(key) }
func (vc *Viper) GetBool(key string) bool       { return vc.v.GetBool(key) }
func (vc *Viper) GetString(key string) string   { return vc.v.GetString(key) }

func (vc *Viper) GetUint16(key string) uint16 {
	return uint16(min(vc.v.GetUint64(key), math.MaxUint16))
}

func (vc *Viper) GetArray(key string) []string {
	var items []string
	switch vc.v.Get(key).(type) {
	case []any, []string:
		items = vc.v.GetStringSlice(key)
	default:
		items = strings.Split(vc.v.GetString(key), ",")
	}

	return lo.FilterMap(items, func(item string, _ int) (string, bool) {
		item = strings.TrimSpace(item)
		return item, item != ""
	})
}

func (vc *Viper) GetMap(key string) map[string]string {
	if _, ok := vc.v.Get(key).(map[string]any); ok {
		return vc.v.GetStringMapString(key)
	}

	out := make(map[string]string)
	for _, pair := range vc.GetArray(key) {
		k, val, ok := strings.Cut(pair, ":")
		if k = strings.TrimSpace(k); ok && k != "" {
			out[k] = strings.TrimSpace(val)
		}
	}
	return out
}

// Close is a no-op; the file watcher lives as long as the process.
func (*Viper) Close() error {
	return nil
}
