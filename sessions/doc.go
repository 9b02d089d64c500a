// Package sessions tracks long-lived streaming calls (chat, task streams and
// task notification streams).
//
// A Session moves through Open -> Closing -> Closed. Finish moves it to
// Closing with a reason (end, cancel or error); Registry.Remove is the only
// way into Closed and is safe to call any number of times.
//
// Each session owns an outbox. Enqueue appends without touching the network
// and Serve drains the outbox to the session's Sender in FIFO order, so a
// slow or broken peer never blocks whoever is broadcasting. A typical stream
// handler looks like:
//
//	s, _ := sessions.New(id, sessions.KindChat, sender)
//	sid, _ := reg.Register(s)
//	defer reg.Remove(sid)
//	err := s.Serve(ctx)
//
// or, when the handler has nothing else to do concurrently, reg.Attach(ctx, s).
package sessions
