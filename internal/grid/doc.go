// Package grid owns the fixed-resolution state lattice and the value tables
// defined over it.
//
// Responsibilities: lattice geometry (bounds, spacing, periodic axes),
// wrapping and clamping of query states, multilinear interpolation of a
// table and its central-difference gradient, and tabulation of analytic
// functions onto the lattice.
// Key types: Grid, Table.
//
// A Grid is immutable after New. A Table is immutable after NewTable; the
// certificate store swaps whole tables and never edits one in place.
package grid
