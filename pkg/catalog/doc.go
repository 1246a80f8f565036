// Package catalog turns a parsed manifest into registered resources and the
// group that applies them.
//
// Build runs in three steps:
//
//  1. The policy gate evaluates every declaration. Blocking violations stop
//     the build before anything is constructed.
//  2. Each declaration is decoded by the factory registered for its type
//     and registered in the environment's registry.
//  3. Manifest groups are assembled. Resources and groups no other group
//     references are appended to the root group, "main" unless configured.
//
// Plan renders the out of sync properties of an evaluated transaction.
package catalog
