package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/cataloger/config"
)

// NewMigratorFromDatabaseConfig builds a migrator from the application
// database section. Only postgres goes through SQL migrations.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	if dbCfg.Driver != "postgres" {
		return nil, fmt.Errorf("schema migrations require the postgres driver, got %q", dbCfg.Driver)
	}

	return NewMigrator(&Config{
		DatabaseURL: BuildDatabaseURL(dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode),
		TableName:   "schema_migrations",
	})
}

// NewMigratorFromURL builds a migrator from a raw postgres URL.
func NewMigratorFromURL(dbURL string) (*DefaultMigrator, error) {
	return NewMigrator(&Config{
		DatabaseURL: dbURL,
		TableName:   "schema_migrations",
	})
}
