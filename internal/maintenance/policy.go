// Package maintenance implements spec.md §4.10's MaintenanceEngine:
// superseded-block identification, the deletion safety gate, and
// file compaction.
package maintenance

import (
	"os"

	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
	"gopkg.in/yaml.v3"
)

// Policy is MaintenanceEngine's tunable knobs, persisted as a YAML sidecar
// next to the database file (spec.md §0.3's MaintenancePolicy). Every
// field's zero value means exactly what it says (e.g.
// MinAgeHoursForDeletion: 0 means candidates are eligible immediately); a
// negative value instead means "use DefaultPolicy's value", since Go gives
// every unset int field 0 and that must stay distinguishable from an
// explicit zero.
type Policy struct {
	MinAgeHoursForDeletion   int `yaml:"min_age_hours_for_deletion"`
	FolderVersionsToKeep     int `yaml:"folder_versions_to_keep"`
	KeyManagerVersionsToKeep int `yaml:"key_manager_versions_to_keep"`
	BackupsToKeep            int `yaml:"backups_to_keep"`
}

// DefaultPolicy mirrors spec.md §4.10's stated defaults, plus retention
// counts chosen in the same conservative spirit.
func DefaultPolicy() Policy {
	return Policy{
		MinAgeHoursForDeletion:   24,
		FolderVersionsToKeep:     5,
		KeyManagerVersionsToKeep: 3,
		BackupsToKeep:            3,
	}
}

// normalized resolves every negative ("use default") field against
// DefaultPolicy, leaving an explicit zero as-is.
func (p Policy) normalized() Policy {
	out := p
	if out.MinAgeHoursForDeletion < 0 {
		out.MinAgeHoursForDeletion = DefaultPolicy().MinAgeHoursForDeletion
	}
	if out.FolderVersionsToKeep < 0 {
		out.FolderVersionsToKeep = DefaultPolicy().FolderVersionsToKeep
	}
	if out.KeyManagerVersionsToKeep < 0 {
		out.KeyManagerVersionsToKeep = DefaultPolicy().KeyManagerVersionsToKeep
	}
	if out.BackupsToKeep < 0 {
		out.BackupsToKeep = DefaultPolicy().BackupsToKeep
	}
	return out
}

// SidecarPath returns the conventional policy file path for a database at
// dbPath.
func SidecarPath(dbPath string) string {
	return dbPath + ".maintenance.yaml"
}

// LoadPolicy reads the YAML sidecar at path, returning DefaultPolicy if no
// file exists there yet.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return Policy{}, emailerr.Wrap(emailerr.IoError, err, "read maintenance policy %s", path)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, emailerr.Wrap(emailerr.SchemaError, err, "parse maintenance policy %s", path)
	}
	return p.normalized(), nil
}

// Save writes p to path as YAML.
func (p Policy) Save(path string) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return emailerr.Wrap(emailerr.Internal, err, "marshal maintenance policy")
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return emailerr.Wrap(emailerr.IoError, err, "write maintenance policy %s", path)
	}
	return nil
}
