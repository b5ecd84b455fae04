// Package stream decodes the newline-delimited JSON output of an agent process.
//
// Invariants:
// - Decoder output does not depend on how the byte stream is chunked.
// - A malformed line is dropped and logged; it never aborts the stream.
// - Every ToolStart emitted by a Tracker is paired with exactly one ToolEnd.
//
// Usage:
//
//	dec := stream.NewDecoder(logger)
//	tr := stream.NewTracker(func(ev stream.Event) { fmt.Println(ev.Kind) })
//	for chunk := range proc.Chunks() {
//		for _, env := range dec.Feed(chunk) {
//			tr.Handle(env)
//		}
//	}
//	for _, env := range dec.Flush() {
//		tr.Handle(env)
//	}
//	tr.Close()
package stream
