// Package manifest turns static file globs and dynamic URL dependency lists
// into the precache manifest: a URL-sorted list of (relative URL, content hash)
// pairs. Files are read through an afero.Fs so callers can point the builder at
// the OS filesystem or an in-memory tree. The builder never touches the runtime
// reconciler; both sides agree only on the Manifest shape and the hash format.
package manifest
