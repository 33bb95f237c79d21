// Package cache implements the named-cache storage used by the reconciler.
// A Storage holds cache namespaces by name; each namespace maps request URLs
// to stored responses. Two backends share the contract: an in-memory table
// backed by go-cache and a disk layout under StoragePath/<namespace>/<key>
// written with temp file + rename so readers never see partial entries.
package cache
