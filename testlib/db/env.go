// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/db"
)

type DBEnv struct {
	*db.DB
	Close func()
}

// Set up a database for testing. To run tests faster, the default is
// an sqlite file in a temp dir; set POSTGRES=1 to run against a local
// postgres instead.
func SetupDBEnv(t *testing.T) DBEnv {
	var env DBEnv
	if os.Getenv("POSTGRES") == "1" {
		slog.Info("using real postgres")
		database := db.NewPostgresDB(conf.DBConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "secret",
			Database: "postgres",
		}, db.Monitor{})
		env.DB = &database
		env.Close = func() {
			env.DB.Close()
		}
	} else {
		slog.Info("using sqlite")
		tmpDir := t.TempDir()
		// Task graphs write from multiple goroutines; let sqlite wait
		// instead of failing with SQLITE_BUSY.
		sqlDB, err := sql.Open("sqlite3", tmpDir+"/test.db?_busy_timeout=5000")
		if err != nil {
			t.Fatal(err)
		}
		env.DB = &db.DB{}
		env.DB.DbMap = &gorp.DbMap{Db: sqlDB, Dialect: gorp.SqliteDialect{}}
		env.Close = func() {
			env.DB.Close()
		}
	}
	if os.Getenv("GORP_TRACE") == "1" {
		env.DB.DbMap.TraceOn("[gorp]", log.New(os.Stdout, "orchestrator:", log.Lmicroseconds))
	}
	return env
}
