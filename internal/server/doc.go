// Package server hosts the Fiber preview service that plays the role of the
// browser host for a generated service worker. It serves the script itself,
// feeds every other request through the reconciler and falls back to the
// origin proxy when the reconciler leaves a request unhandled. Diagnostics
// live under /-/ so they never collide with site paths.
package server
