package reporter

import (
	"fmt"
	"os"
	"strings"
)

// WriteEndpointFile publishes the coordinator's transport endpoint for
// workers that did not receive it via environment variable. The write goes
// through a temporary file so readers never observe a partial endpoint.
func WriteEndpointFile(path, endpoint string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(endpoint+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing endpoint file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing endpoint file %s: %w", path, err)
	}
	return nil
}

// ReadEndpointFile resolves the coordinator's endpoint from the discovery
// file.
func ReadEndpointFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading endpoint file %s: %w", path, err)
	}
	endpoint := strings.TrimSpace(string(data))
	if endpoint == "" {
		return "", fmt.Errorf("endpoint file %s is empty", path)
	}
	return endpoint, nil
}
