// Package refcache maintains a local, ready-to-use cache of reference
// genomes fetched from remote providers.
//
// Given a catalog of (provider, species, assembly) entries naming a remote
// sequence file and an optional annotation file, the service guarantees a
// block-compressed, randomly indexable copy of each genome is published
// locally, revalidated against the origin without redundant transfer, and
// never visible to consumers in a partially written state.
//
// The package holds the domain types and the orchestrating Service; the
// collaborating components live in subpackages (fetch, transcode, indexer,
// publish, lockfile, repo) and are wired together with functional options,
// typically through the config subpackage.
package refcache
