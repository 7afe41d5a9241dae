// Package pools loads the initial pool and render node population from the
// configured backend: flat files in the conf directory, a central inventory
// web service, or the dispatcher's own store.
package pools
