// Package dispatch delivers locally recorded events to the sync API.
//
// Pending events are read from the device store per session, grouped into
// batches of at most BatchSize events in clientSeq order, and sent one batch
// at a time per session. A batch goes out when it is full, when its oldest
// event is older than FlushInterval, or when a flush is requested (session
// end, app backgrounding, connectivity restored).
//
// Failures are classified by the endpoint:
//
//	not delivered   events return to pending; the next batch may grow
//	ambiguous       the identical batch is resent with the same key
//	rejected        listed events become failed_permanent; the rest return
//
// Retries use one exponential backoff policy with jitter. Repeated
// not-delivered failures open a shared breaker so an offline device stops
// hammering the network; one successful trial send closes it again.
package dispatch
