// Package toolkit provides the built-in executors behind the default
// capability set: structure retrieval and preparation, force-field
// assignment, simulation job submission, and trajectory analysis.
// Executors report their gate effects; opening and blocking gates stays
// with the dispatcher.
package toolkit

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/logging"
)

// Config holds runtime settings shared by all executors.
type Config struct {
	// Workdir is where fetched structures, system descriptors, and
	// reports are written.
	Workdir string

	// DownloadURL is the base URL PDB structures are fetched from.
	DownloadURL string

	// Client performs structure downloads; nil means
	// http.DefaultClient.
	Client *http.Client

	// Engine is the MD engine binary simulation jobs invoke.
	Engine string
}

// Kit bundles the executors over one shared configuration.
type Kit struct {
	cfg Config
	log *logging.Logger
}

// New returns a Kit. Missing config fields get working defaults.
func New(cfg Config, log *logging.Logger) *Kit {
	if cfg.Workdir == "" {
		cfg.Workdir = "."
	}
	if cfg.DownloadURL == "" {
		cfg.DownloadURL = "https://files.rcsb.org/download"
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Engine == "" {
		cfg.Engine = "gmx"
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Kit{cfg: cfg, log: log}
}

// Register wires every toolkit executor into the dispatcher under the
// names the default capability set expects.
func (k *Kit) Register(d *dispatch.Dispatcher) error {
	executors := map[string]any{
		"structure.fetch":     &fetchExecutor{kit: k},
		"structure.clean":     &cleanExecutor{kit: k},
		"structure.validate":  &validateExecutor{kit: k},
		"forcefield.assign":   &assignExecutor{kit: k},
		"forcefield.validate": &checkForcefieldExecutor{kit: k},
		"simulation.run":      &simulationExecutor{kit: k},
		"analysis.run":        &analysisExecutor{kit: k},
	}
	for name, impl := range executors {
		if err := d.RegisterExecutor(name, impl); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

// ensureDir creates a workdir subdirectory and returns its path.
func (k *Kit) ensureDir(sub string) (string, error) {
	dir := filepath.Join(k.cfg.Workdir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// Argument helpers. The dispatcher has already validated presence and
// type, so these only unwrap.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
