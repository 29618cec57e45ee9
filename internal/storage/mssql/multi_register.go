package mssql

import "econstats/internal/storage"

func init() {
	storage.RegisterMulti("mssql", NewMulti)
}
