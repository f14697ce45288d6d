package database

import "database/sql"

// Queryable is the common surface of *sqlx.DB and *sqlx.Tx that stores
// accept, allowing the same store methods to run standalone or inside
// a wrapped transaction.
type Queryable interface {
	Exec(query string, args ...any) (sql.Result, error)
	Get(dest any, query string, args ...any) error
	Select(dest any, query string, args ...any) error
	NamedExec(query string, arg any) (sql.Result, error)
	Rebind(query string) string
}
