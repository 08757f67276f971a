package courier

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk client configuration.
type FileConfig struct {
	// Dispatcher limits. Zero means the built-in default.
	MaxRequests        int `yaml:"maxRequests"`
	MaxRequestsPerHost int `yaml:"maxRequestsPerHost"`
	// Route database file name. The value is returned as written; no
	// value is mapped to an in-memory database.
	RouteDB string `yaml:"routeDb"`
	// Fixed proxy URL, e.g. "http://proxy.internal:3128". Empty means
	// proxies are taken from the proxy selector.
	Proxy string `yaml:"proxy"`
}

// LoadConfig reads a FileConfig from the given YAML file.
func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
