// Package dedupe collapses repeated occurrences of the same event key.
//
// A Cache remembers keys for a TTL window. Callers use CheckAndMark to decide
// atomically whether they are the first to see a key within the window:
//
//	if cache.CheckAndMark(key) {
//	    return // someone already handled this occurrence
//	}
//
// The signals bus uses it so that several in-flight requests failing with the
// same 401 produce one auth:expired delivery, not one per request.
package dedupe
