package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/s3db-go/s3db/pkg/config"
	"github.com/s3db-go/s3db/pkg/database"
	"github.com/s3db-go/s3db/pkg/keyring"
	"github.com/s3db-go/s3db/pkg/logger"
)

var (
	flagConnectionString string
	flagEncryptionKey    string
	flagConfigFile       string
)

// fileConfig is the CLI's on-disk config shape: a default connection
// string and encryption key, plus the engine tunables from pkg/config,
// grounded on the teacher's internal/config.Config (same read-existing-
// or-write-default pattern over gopkg.in/yaml.v3).
type fileConfig struct {
	Connection    string            `yaml:"connection"`
	EncryptionKey string            `yaml:"encryption_key"`
	Tunables      map[string]string `yaml:"tunables,omitempty"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fc, nil
	}
	if err != nil {
		return fc, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return fc, nil
}

// connectDatabase resolves the connection string and encryption key from
// flags, falling back to the YAML config file, and returns a connected
// Database.
func connectDatabase(ctx context.Context) (*database.Database, error) {
	fc, err := loadFileConfig(flagConfigFile)
	if err != nil {
		return nil, err
	}

	dsn := flagConnectionString
	if dsn == "" {
		dsn = fc.Connection
	}
	if dsn == "" {
		return nil, fmt.Errorf("no connection string: pass --connection, set S3DB_DSN, or add \"connection:\" to %s", flagConfigFile)
	}

	key := flagEncryptionKey
	if key == "" {
		key = fc.EncryptionKey
	}

	log := logger.New("s3db-cli", rootCmd.Version)
	cfgMgr := config.New(fc.Tunables)

	// Neither flag nor config file had a key; database.New falls back to
	// the keyring (system keyring, or an encrypted file under
	// keyring.DefaultPath if no system keyring is reachable) before
	// giving up.
	var km *keyring.Manager
	if key == "" {
		km = keyring.NewManager(keyring.DefaultPath(), keyring.MasterPasswordFromEnv())
	}

	db, err := database.New(ctx, dsn, database.Options{
		EncryptionKey: key,
		Config:        cfgMgr,
		Logger:        log,
		Keyring:       km,
	})
	if err != nil {
		return nil, fmt.Errorf("building database handle: %w", err)
	}
	if err := db.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return db, nil
}
