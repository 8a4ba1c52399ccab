// Package domain defines the persistable types of the job meta-scheduler.
//
// Each type embeds a *schema.Object and declares its attribute table once,
// as a package-level schema. Typed accessors sit on top of the generic
// Get/Set so callers never deal with untyped values.
//
// # Categories
//
// jobs: Job, the unit of work. A master job owns subjobs through the
// registry's master/child relation; the "master" attribute of a subjob holds
// the master's ID.
//
// applications: Executable, what a job runs.
//
// backends: Local, where a job runs. Real grid backends register their own
// types in the same category.
//
// files: LocalFile, job inputs and outputs.
//
// # Versions
//
// Job is at schema 2.0. Version 1 stored inputs as plain path strings; the
// jobMigration hook upgrades those documents to LocalFile inputs.
//
// Register adds every type to a plugin registry.
package domain
