// Package certificate owns the runtime safety certificate: the value table
// the filter loop reads every cycle.
//
// Responsibilities: atomic copy-on-write publication of certificate
// snapshots, shape validation of replacement tables, the on-disk table
// codec, the analytic seed certificate, and the asynchronous refresh path
// (availability signals and file watching) that loads replacement tables
// off the control loop.
// Key types: Store, Snapshot, Refresher, Watcher, CircleCBF.
//
// No SQL is allowed in this package; archiving goes through ArchiveStore.
package certificate
