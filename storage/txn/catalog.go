package txn

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// catalogEntry is one table's durable identity: its name, the
// assigned table-id WAL update records carry so recovery can route
// them back to the right tree, and the page size the table was
// created with.
type catalogEntry struct {
	Name     string `yaml:"name"`
	TableID  uint32 `yaml:"table_id"`
	PageSize int    `yaml:"page_size"`
	Primary  bool   `yaml:"primary"`
}

type catalog struct {
	Tables      []catalogEntry `yaml:"tables"`
	NextTableID uint32         `yaml:"next_table_id"`
}

func catalogPath(dir string) string { return filepath.Join(dir, "catalog.yaml") }

// loadCatalog reads the table catalog, returning an empty one (with
// NextTableID starting at 1) if the database directory is fresh.
func loadCatalog(dir string) (catalog, error) {
	data, err := os.ReadFile(catalogPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return catalog{NextTableID: 1}, nil
		}
		return catalog{}, err
	}
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return catalog{}, err
	}
	if c.NextTableID == 0 {
		c.NextTableID = 1
	}
	return c, nil
}

func saveCatalog(dir string, c catalog) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(catalogPath(dir), data, 0o644)
}

func tableFilePath(dir string, e catalogEntry) string {
	if e.Primary {
		return filepath.Join(dir, e.Name+".main.wt")
	}
	return filepath.Join(dir, e.Name+".wt")
}
