package courier

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "courier.yml")
	contents := "maxRequests: 32\nmaxRequestsPerHost: 4\nrouteDb: routes.db\nproxy: http://proxy.internal:3128\n"
	if err := os.WriteFile(filename, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	if config.MaxRequests != 32 || config.MaxRequestsPerHost != 4 {
		t.Fatalf("Loaded %+v", config)
	}
	if config.RouteDB != "routes.db" {
		t.Fatalf("Loaded %+v", config)
	}
	if config.Proxy != "http://proxy.internal:3128" {
		t.Fatalf("Loaded %+v", config)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}
