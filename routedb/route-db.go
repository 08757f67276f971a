// Package routedb stores routes that recently failed to connect.
// Failures are held so that the route selector attempts fresh routes
// before retrying known-bad ones.
package routedb

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog/log"

	"github.com/courier-http/courier/routing"
)

// MemRouteDB keeps failed routes in memory, keyed by the route's
// string form. The zero value is not usable; create with NewMemRouteDB.
type MemRouteDB struct {
	mutex *sync.RWMutex
	db    map[string]time.Time
}

func NewMemRouteDB() MemRouteDB {
	return MemRouteDB{
		mutex: &sync.RWMutex{},
		db:    make(map[string]time.Time),
	}
}

// Failed records a connectivity failure on the route.
func (m MemRouteDB) Failed(route routing.Route) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[route.String()] = time.Now()
}

// ShouldPostpone reports whether the route has a recorded failure.
func (m MemRouteDB) ShouldPostpone(route routing.Route) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[route.String()]
	return ok
}

// Connected forgets any recorded failure for the route, after a
// successful connection.
func (m MemRouteDB) Connected(route routing.Route) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, route.String())
}

// Expire forgets failures recorded before the given time.
func (m MemRouteDB) Expire(olderThan time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key, failedAt := range m.db {
		if failedAt.Before(olderThan) {
			delete(m.db, key)
		}
	}
}

// SQLiteRouteDB persists failed routes to a SQLite database, so route
// history survives process restarts.
type SQLiteRouteDB struct {
	db *sql.DB
}

// NewSQLiteRouteDB opens (and if needed initializes) the database in
// the given file. Use "file::memory:?cache=shared" for an in-memory
// database.
func NewSQLiteRouteDB(filename string) SQLiteRouteDB {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS failed_routes (route TEXT PRIMARY KEY, failed_at INTEGER)")
	if err != nil {
		panic(err)
	}
	return SQLiteRouteDB{
		db: db,
	}
}

func (s SQLiteRouteDB) Failed(route routing.Route) {
	_, err := s.db.Exec("INSERT OR REPLACE INTO failed_routes (route, failed_at) VALUES (?, ?)",
		route.String(), time.Now().Unix())
	if err != nil {
		log.Error().Err(err).Str("route", route.String()).Msg("Could not record failed route")
	}
}

func (s SQLiteRouteDB) ShouldPostpone(route routing.Route) bool {
	var failedAt int64
	err := s.db.QueryRow("SELECT failed_at FROM failed_routes WHERE route = ?", route.String()).Scan(&failedAt)
	return err == nil
}

func (s SQLiteRouteDB) Connected(route routing.Route) {
	_, err := s.db.Exec("DELETE FROM failed_routes WHERE route = ?", route.String())
	if err != nil {
		log.Error().Err(err).Str("route", route.String()).Msg("Could not clear route failure")
	}
}

func (s SQLiteRouteDB) Expire(olderThan time.Time) {
	_, err := s.db.Exec("DELETE FROM failed_routes WHERE failed_at < ?", olderThan.Unix())
	if err != nil {
		log.Error().Err(err).Msg("Could not expire route failures")
	}
}
