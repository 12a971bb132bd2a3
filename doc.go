// *shmsync* moves large samples (video frames, tracked positions) between
// processes on the same machine through *named* shared-memory channels,
// without copying them through the kernel.
//
// A `Channel` is a file-backed segment holding one sample slot plus a small
// control page. A single `Sink` owns the slot; any number of `Source`s
// attach to it by name. Every published sample is observed *exactly once*
// by *every* attached reader before the writer may overwrite the slot:
// the channel is a barrier, not a queue.
//
// ## How it works
//
// The first thing to do is to create a `Sink` and `Bind` it to a channel
// name. Under the hood, this maps a segment under the `Registry` directory
// (`/dev/shm` where available) and claims the writer role. `Source`s
// `Touch` the same name, which registers their intent, then `Connect`,
// which blocks until the sink has described the payload.
//
// Then, for the actual data-plane, each cycle is a turn of a token:
//
//   - the sink calls `Wait` until every reader has released the slot,
//     fills it through `View` or `Publish`, and `Post`s;
//   - each source calls `Wait` until a fresh sequence number appears,
//     reads through `Clone` or `CopyInto`, and `Post`s its release.
//
// Waiting parks on a futex word shared across processes, so an idle
// pipeline burns no CPU. When the sink closes, the channel enters its
// terminal state and every reader's next `Wait` returns
// [ErrEndOfStream], which is how shutdown propagates down a pipeline.
//
// `Buffer` decouples two channels when a downstream stage cannot keep
// the upstream's pace: it releases the upstream slot immediately and
// re-publishes from a bounded queue, dropping the newest sample on
// overrun rather than stalling the producer.
//
// ## Design Principles
//
// > `shmsync` is **lossless by default**, **crash-evident**, and **minimalist**.
//
// ### Lossless by default
//
// Sample drops MUST be an explicit, observable decision. The barrier
// never discards silently; only `Buffer` drops, it counts every drop,
// and it reports them through its metric sink. A tracking experiment
// where frames vanish without a trace is a ruined experiment.
//
// ### Crash-evident
//
// Processes die mid-cycle. The control page carries enough state
// (magic, version, reference counts) for survivors to detect a corrupt
// or stale segment instead of deadlocking on it, and the last process
// out unlinks the file. APIs MUST NOT model an *infallible* peer:
// every blocking operation takes a `context.Context` and honours it.
//
// ### Minimalist
//
// The library is focused on the synchronization core. Payload
// interpretation lives in `Codec` implementations, transport off the
// machine lives in `pkg/posisock`, and neither is needed to use the
// other. Dependencies are kept small and boring: `hashicorp/go-metrics`
// for counters, `golang.org/x/sys` for the futex and mmap syscalls,
// `log/slog` for structured logs.
package shmsync
