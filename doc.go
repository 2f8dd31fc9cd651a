// Package plume schedules 2D vector graphics work onto GPU compute
// kernels. Paths, rasters, compositions, and styling are built through
// host-side builders that batch commands into rings and flush them as
// asynchronous dispatches; the package tracks cross-dispatch ordering,
// reference counts, and GPU memory so that nothing is read before it is
// materialized and nothing is freed while still referenced.
//
// A Context owns the device, the block and handle pools, and the
// dispatch scheduler. All builder APIs are driven from a single host
// thread; GPU work executes asynchronously and completions are pumped
// cooperatively whenever a bounded resource runs out.
//
// The compute kernels themselves are supplied by the embedding
// application as WGSL source through driver.KernelSources; plume only
// knows each kernel's binding shape and dispatch geometry.
package plume
