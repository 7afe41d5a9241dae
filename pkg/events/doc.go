// Package events provides a small in-process broker for dispatcher events,
// fanned out to API subscribers over the /events stream. Publishing never
// blocks the dispatcher; slow subscribers lose events rather than stall it.
package events
