// Package cache defines the bucket store that backs the offline agent. A store
// holds named buckets ("static-<version>", "runtime-<version>"), each one an
// insertion-ordered collection of RequestKey -> StoredResponse entries. The
// package ships memory, disk and sqlite backends behind the same Store
// interface, the versioned bucket namer used at activation, and the Trimmer
// that bounds a bucket to a fixed entry count by evicting oldest entries.
package cache
