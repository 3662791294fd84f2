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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/flashsale/config"
)

// TableResolver maps a logical table to the physical table bound in ctx.
type TableResolver interface {
	Table(ctx context.Context, logical string) (string, error)
}

type Datasource struct {
	Conn    *sql.DB
	Dialect string
	Tables  TableResolver
}

func NewDataSource(cfg *config.Configuration, tables TableResolver) (*Datasource, error) {
	conn, err := ConnectDB(cfg.DataSource)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: conn, Dialect: cfg.DataSource.Driver, Tables: tables}, nil
}

// ConnectDB opens and pings the configured database. MySQL DSNs need
// parseTime=true for timestamps to scan.
func ConnectDB(cfg config.DataSourceConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.DriverPostgres
	}
	db, err := sql.Open(driver, cfg.Dns)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logrus.Errorf("database connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (d *Datasource) rebind(query string) string {
	if d.Dialect == config.DriverMySQL {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// table resolves a logical table and renders it into query.
func (d *Datasource) table(ctx context.Context, logical, query string) (string, error) {
	if d.Tables == nil {
		return "", fmt.Errorf("no table resolver configured for %s", logical)
	}
	physical, err := d.Tables.Table(ctx, logical)
	if err != nil {
		return "", err
	}
	return d.rebind(fmt.Sprintf(query, physical)), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
