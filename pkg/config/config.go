package config

import (
	"log"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LoadAndWatch reads ./config/{service}.yaml (or ./{service}.yaml) into out and watches
// the file. out is written once, here; on every change onChange, when non-nil, gets the
// reloaded viper on the watcher goroutine and decodes whatever it needs into its own value.
//
// A service value ending in .yaml/.yml is treated as an explicit file path.
// Environment variables override keys: service "fx-aggregator" and key "http.addr"
// read FX_AGGREGATOR_HTTP_ADDR.
func LoadAndWatch(service string, out interface{}, onChange func(v *viper.Viper) error) (*viper.Viper, error) {
	v := viper.New()

	name := service
	if ext := filepath.Ext(service); ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(service)
		name = strings.TrimSuffix(filepath.Base(service), ext)
	} else {
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix(name))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	log.Printf("[%s] config loaded from %s", name, v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", name, e.Name)

		if onChange == nil {
			return
		}
		if err := onChange(v); err != nil {
			log.Printf("[%s] reload config error: %v", name, err)
			return
		}
		log.Printf("[%s] config reloaded OK", name)
	})

	return v, nil
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
