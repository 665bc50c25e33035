// Package lifecycle drives cache generations through install, waiting and
// activation, and reconciles outdated generations against the latest one
// before a handoff (PrepareForUpdate).
//
// A freshly installed generation stays pending while two or more clients are
// attached, so both generations are resident when clients ask for migration.
// Activation then sweeps everything except the active generation.
package lifecycle
