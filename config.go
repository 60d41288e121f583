package filterproxy

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the content of a proxy config file.
// Unset fields keep their defaults; command line flags take precedence.
type FileConfig struct {
	Port            int           `yaml:"port"`
	Blacklist       string        `yaml:"blacklist"`
	CacheDir        string        `yaml:"cacheDir"`
	Workers         int           `yaml:"workers"`
	Catalog         string        `yaml:"catalog"`
	Admin           string        `yaml:"admin"`
	ClientTimeout   time.Duration `yaml:"clientTimeout"`
	OriginTimeout   time.Duration `yaml:"originTimeout"`
	MaxRequestBytes int           `yaml:"maxRequestBytes"`
}

func ReadConfigFile(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
