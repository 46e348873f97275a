package database

import (
	"database/sql"

	_ "github.com/lib/pq"
)

type PgQnARepository struct {
	conn *sql.DB
}

func NewPgQnARepository(dsn string) (*PgQnARepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgQnARepository{conn: db}, nil
}

func (db *PgQnARepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgQnARepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
