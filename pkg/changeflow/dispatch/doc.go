// Package dispatch runs handlers for committed events.
//
// The Engine takes jobs from a Pool of serial lanes. Events of the same
// entity always land on the same lane, so they are handled one at a time in
// the order they were enqueued. Each attempt:
//
//  1. reads the control state and leaves the event PENDING when paused
//  2. restores the event's tenant
//  3. claims the event (PENDING to PROCESSING); a lost claim ends the attempt
//  4. evaluates each binding's condition and invokes its handler under a
//     deadline, recovering panics
//  5. completes the event, or fails it under the retry policy
//
// A failed attempt is retried after a fixed delay until the event's retry
// limit is used up; the event then becomes FAILED and administrators are
// alerted when alerts are enabled.
//
// The store is the durable queue. Jobs lost to a shutdown or a crash are
// found again by ResumePending at start-up and by the periodic sweeper.
//
// Basic usage:
//
//	engine, err := dispatch.New(store, compiled.Bindings, handlers.Default(deps),
//	    dispatch.WithControl(ctl),
//	    dispatch.WithNotifier(notifications),
//	)
//	if err != nil {
//	    return err
//	}
//	engine.Start(ctx)
//	defer engine.Stop()
//	if _, err := engine.ResumePending(ctx); err != nil {
//	    return err
//	}
package dispatch
