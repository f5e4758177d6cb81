// Package notifier delivers outbound text through a transport.Sender.
//
// Two paths share one rate limiter:
//
// Send is the proactive message sink. It is synchronous, so the caller sees
// the delivery error, and it never retries. Delivered text is recorded as an
// assistant turn in the conversation book; a chat the transport reports as
// unreachable is forgotten.
//
// SendAlert feeds operator alerts (warn+ log lines) into a bounded queue
// drained by a small worker pool with retry and dedup. It never blocks the
// caller.
package notifier
