package planner

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/netutil"
)

// LoadCatalog reads an upstream catalog snapshot from a local file or an
// https URL. Remote fetches go through the hardened fetch path.
func LoadCatalog(ctx context.Context, source string, allowPrivateHosts bool) (*models.CatalogSnapshot, error) {
	var data []byte
	if strings.HasPrefix(source, "https://") {
		cfg := netutil.DefaultConfig()
		cfg.AllowPrivateHosts = allowPrivateHosts
		result, err := netutil.Fetch(ctx, source, cfg)
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "catalog_unreachable",
				"could not fetch catalog snapshot", err).WithRef(source)
		}
		data = result.Body
	} else {
		var err error
		data, err = os.ReadFile(source)
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "catalog_missing",
				"catalog snapshot not found", err).WithRef(source)
		}
	}

	var snapshot models.CatalogSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "catalog_malformed",
			"catalog snapshot is not valid JSON", err).WithRef(source)
	}

	// normalize package keys
	normalized := make(map[string][]models.CatalogRelease, len(snapshot.Packages))
	for name, releases := range snapshot.Packages {
		normalized[models.NormalizeName(name)] = releases
	}
	snapshot.Packages = normalized
	return &snapshot, nil
}
