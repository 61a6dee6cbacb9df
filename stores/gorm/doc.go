//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based implementation of the aptitude DocumentStore.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.).
//
// # Database Schema
//
// Every collection shares one auto-migrated table, records, keyed by
// (collection, id) with the fields kept as a JSON column.  Equality filters are
// applied after loading the collection.
//
// # Usage
//
//	db, _ := gorm.Open(sqlite.Open("aptitude.db"), &gorm.Config{})
//	gormstore.AutoMigrate(db)
//	profiles := gormstore.NewDocumentStore(db)
package gorm
