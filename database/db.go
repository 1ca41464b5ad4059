/*
Copyright 2025 Pulse Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/pulsehq/pulse/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createStatusTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection pool. Called once at shutdown.
func (d *Datasource) Close() error {
	return d.Conn.Close()
}

// createStatusTable creates the PostgreSQL table for the Status struct.
// version_id is unique across the whole table: a lost version race surfaces
// as a unique violation instead of a silent overwrite.
func createStatusTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE SCHEMA IF NOT EXISTS pulse;
		CREATE TABLE IF NOT EXISTS pulse.statuses (
			id SERIAL PRIMARY KEY,
			owner_id TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			version_id TEXT NOT NULL UNIQUE,
			status_type TEXT NOT NULL CHECK (status_type IN ('current', 'history', 'deleted')),
			condition TEXT NOT NULL,
			note TEXT,
			location TEXT,
			lat DOUBLE PRECISION,
			lng DOUBLE PRECISION,
			share_location BOOLEAN NOT NULL DEFAULT FALSE,
			share_contact BOOLEAN NOT NULL DEFAULT FALSE,
			people_count INTEGER NOT NULL DEFAULT 0,
			categories TEXT[],
			image_url TEXT,
			expiration_hours INTEGER NOT NULL,
			meta_data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			retention_until TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_statuses_owner_type ON pulse.statuses (owner_id, status_type);
		CREATE INDEX IF NOT EXISTS idx_statuses_parent ON pulse.statuses (parent_id);
		CREATE INDEX IF NOT EXISTS idx_statuses_retention ON pulse.statuses (retention_until)
	`)
	if err != nil {
		log.Printf("Error creating statuses table: %v", err)
	}
	return err
}
