// Package bufpool implements the reference-counted, DMA-backed frame buffer
// that the rest of medialib passes between pipeline stages.
//
// A Frame is a handle onto one or more Planes, each backed by a DMA-FD (or
// CMA) allocation owned by a Pool bucket. Planes are shared while their
// refcount is greater than one; a stage that needs to hold a Frame past its
// process() return must call AddRef first. A plane's storage returns to its
// owning bucket exactly when that plane's refcount reaches zero, and the
// Frame itself is considered destroyed once every plane has reached zero —
// unless the Frame was built with an external free callback (e.g. wrapping
// a V4L2 capture buffer), in which case the callback runs instead of
// returning to a Pool.
package bufpool
