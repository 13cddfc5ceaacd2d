package corelock

// LockOrder documents the mutex acquisition order that must be respected
// throughout the pipeline to avoid deadlock (spec §5). It is not enforced
// by the type system; each acquisition site carries a short comment
// referencing the relevant step instead.
//
//	graphics > scene.video > scene.audio > source.audioBuf > encoder.init
//	  > encoder.callbacks > encoder.outputs > output.interleaved
//	  > output.pktCallbacks > output.pause > pause.mutex
//
// Two rules follow directly from the order above and are load-bearing
// elsewhere in this module:
//
//   - Never acquire a graphics-owned lock while holding any scene mutex.
//   - Never create, destroy, or reconfigure a Source while holding a
//     scene mutex; scene mutexes protect graph topology, not sources.
const LockOrder = "graphics > scene.video > scene.audio > source.audioBuf > " +
	"encoder.init > encoder.callbacks > encoder.outputs > output.interleaved > " +
	"output.pktCallbacks > output.pause > pause.mutex"
