package ingestion

import (
	"pumpfeed/internal/decode"
	"pumpfeed/internal/feed"
)

// FrameHandler returns the feed callback that decodes data frames and
// queues the resulting trades. Undecodable payloads are dropped by the decoder.
func FrameHandler(dec *decode.Decoder, q *Queue) func(feed.Frame) {
	return func(f feed.Frame) {
		if f.Kind != feed.KindMsg {
			return
		}
		if t, ok := dec.Decode(f.Payload); ok {
			q.Push(t)
		}
	}
}
