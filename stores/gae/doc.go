//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of the aptitude
// DocumentStore.
//
// Each collection is a Datastore kind and each record an entity keyed by name,
// so record ids stay strings whether they were chosen by the caller (profiles
// are keyed by identity id) or generated by Create.
//
// # Namespacing
//
// Pass a namespace to isolate tenants or test runs:
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	profiles := gae.NewDocumentStore(client, "")          // default namespace
//	staging := gae.NewDocumentStore(client, "staging")
package gae
