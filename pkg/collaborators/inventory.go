package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/osdeploy/pkg/engine"
)

// Inventory is the document read by InventoryEnumerator.
type Inventory struct {
	Disks []engine.Disk `json:"disks" yaml:"disks" validate:"dive"`
}

// InventoryEnumerator reports the disks listed in an inventory file.
// The file is read on every call so that edits take effect without a restart.
type InventoryEnumerator struct {
	path     string
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewInventoryEnumerator creates an enumerator for the JSON or YAML file at path.
func NewInventoryEnumerator(path string, logger zerolog.Logger) *InventoryEnumerator {
	return &InventoryEnumerator{
		path:     path,
		validate: validator.New(),
		logger:   logger.With().Str("component", "inventory").Logger(),
	}
}

// GetCandidates implements engine.DiskEnumerator.
func (e *InventoryEnumerator) GetCandidates(ctx context.Context) ([]engine.Disk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	inv, err := ParseInventory(data, filepath.Ext(e.path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.path, err)
	}
	if err := e.validate.Struct(inv); err != nil {
		return nil, fmt.Errorf("%s: invalid inventory: %w", e.path, err)
	}
	if err := checkUnique(inv.Disks); err != nil {
		return nil, fmt.Errorf("%s: %w", e.path, err)
	}

	e.logger.Debug().Str("path", e.path).Int("disks", len(inv.Disks)).Msg("Loaded disk inventory")
	return inv.Disks, nil
}

// ParseInventory decodes an inventory document. ext selects the format;
// ".json" is decoded strictly and anything else as YAML.
func ParseInventory(data []byte, ext string) (*Inventory, error) {
	var inv Inventory
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&inv); err != nil {
			return nil, fmt.Errorf("failed to decode inventory: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&inv); err != nil {
			return nil, fmt.Errorf("failed to decode inventory: %w", err)
		}
	}
	return &inv, nil
}

func checkUnique(disks []engine.Disk) error {
	numbers := make(map[int]bool, len(disks))
	ids := make(map[string]bool, len(disks))
	for _, d := range disks {
		if numbers[d.Number] {
			return fmt.Errorf("duplicate disk number %d", d.Number)
		}
		numbers[d.Number] = true
		if ids[d.ID()] {
			return fmt.Errorf("duplicate disk id %s", d.ID())
		}
		ids[d.ID()] = true
	}
	return nil
}
