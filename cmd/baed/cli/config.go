package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/baesync/bae-sync/internal/cloudhome"
)

// localConfig is the non-synced, device-local configuration spec.md §6
// describes, minus the pieces (device_id, key fingerprint, schema version)
// that already live in the store's device_config table via internal/device
// — this file only carries what's needed before the store can even be
// opened: which cloud home backend to talk to, and this library's own id.
type localConfig struct {
	LibraryID string                    `json:"library_id"`
	Backend   string                    `json:"backend"` // "disk" | "s3" | "azure"
	Disk      diskConfig                `json:"disk,omitempty"`
	S3        cloudhome.S3Config        `json:"s3,omitempty"`
	Azure     cloudhome.AzureBlobConfig `json:"azure,omitempty"`
}

type diskConfig struct {
	Root string `json:"root"`
}

func configPath(dataDir string) string { return filepath.Join(dataDir, "config.json") }

func saveConfig(dataDir string, cfg localConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cli: marshal config: %w", err)
	}
	return os.WriteFile(configPath(dataDir), data, 0o600)
}

func loadConfig(dataDir string) (localConfig, error) {
	data, err := os.ReadFile(configPath(dataDir))
	if err != nil {
		return localConfig{}, fmt.Errorf("cli: read config (run 'baed init' first): %w", err)
	}
	var cfg localConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return localConfig{}, fmt.Errorf("cli: unmarshal config: %w", err)
	}
	return cfg, nil
}

func openHome(cfg localConfig) (cloudhome.Home, error) {
	switch cfg.Backend {
	case "", "disk":
		return cloudhome.NewDiskHome(cfg.Disk.Root)
	case "s3":
		return cloudhome.NewS3Home(cfg.S3)
	case "azure":
		return cloudhome.NewAzureBlobHome(cfg.Azure)
	default:
		return nil, fmt.Errorf("cli: unknown backend %q", cfg.Backend)
	}
}
