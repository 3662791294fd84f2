/*
Copyright 2024 Blnk Finance Authors.

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
	"fmt"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/blnkfinance/flashsale/config"
)

const postgresOrderTable = `CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT PRIMARY KEY,
	buyer_id BIGINT NOT NULL,
	item_id BIGINT NOT NULL,
	quantity INT NOT NULL DEFAULT 1,
	amount NUMERIC(19, 4) NOT NULL,
	status SMALLINT NOT NULL,
	order_kind SMALLINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_buyer_item ON %[1]s (buyer_id, item_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s (status, created_at);`

const mysqlOrderTable = `CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT NOT NULL PRIMARY KEY,
	buyer_id BIGINT NOT NULL,
	item_id BIGINT NOT NULL,
	quantity INT NOT NULL DEFAULT 1,
	amount DECIMAL(19, 4) NOT NULL,
	status TINYINT NOT NULL,
	order_kind TINYINT NOT NULL DEFAULT 0,
	created_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL,
	KEY idx_%[1]s_buyer_item (buyer_id, item_id),
	KEY idx_%[1]s_status (status, created_at)
) ENGINE=InnoDB;`

// OrderMigrations creates one physical order table per shard.
func OrderMigrations(dialect string, tables []string) *migrate.MemoryMigrationSource {
	ddl := postgresOrderTable
	if dialect == config.DriverMySQL {
		ddl = mysqlOrderTable
	}

	create := &migrate.Migration{Id: fmt.Sprintf("0001_create_order_shards_%d", len(tables))}
	for _, table := range tables {
		create.Up = append(create.Up, fmt.Sprintf(ddl, table))
		create.Down = append(create.Down, fmt.Sprintf("DROP TABLE IF EXISTS %s;", table))
	}
	return &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{create}}
}

// Migrate applies or rolls back the shard tables and returns how many
// migrations ran.
func Migrate(db *sql.DB, dialect string, tables []string, dir migrate.MigrationDirection) (int, error) {
	return migrate.Exec(db, dialect, OrderMigrations(dialect, tables), dir)
}
