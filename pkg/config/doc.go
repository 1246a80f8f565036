// Package config loads resource manifests and tool settings.
//
// # Overview
//
// A manifest declares resources and the groups that order them. Three formats
// are accepted and produce the same Manifest:
//
//   - CUE (.cue): files are unified into one value before extraction
//   - YAML (.yaml, .yml): a file may hold several documents
//   - Starlark (.star): declarations are made by calling builtins
//
// Every declaration's config object is checked against the CUE schema
// registered for its type before it reaches the resource constructor.
//
// # Components
//
// Loader: entry point. Expands directories, dispatches on extension and merges
// the results, rejecting duplicate resource IDs and group names.
//
// CUEParser, YAMLLoader, StarlarkEvaluator: one parser per format.
//
// SchemaRegistry: CUE schemas keyed by resource type. The "file" schema is
// built in.
//
// Settings: viper-backed tool configuration (baseline backend, logging,
// metrics, tracing, policy, SFTP, watch mode).
//
// # Manifest Structure
//
// CUE, with resources keyed by ID:
//
//	resources: {
//	    motd: {
//	        type: "file"
//	        config: {path: "/etc/motd", owner: "root", mode: "0644"}
//	    }
//	    conf_d: {
//	        type: "file"
//	        config: {path: "/etc/app/conf.d", create: "directory", recurse: true, checksum: "md5"}
//	    }
//	}
//	groups: [{name: "main", members: ["conf_d", "motd"]}]
//
// YAML, with resources as a list:
//
//	resources:
//	  - id: motd
//	    type: file
//	    config: {path: /etc/motd, mode: "0644"}
//	groups:
//	  - name: main
//	    members: [motd]
//
// Modes must be quoted in YAML; an unquoted 0644 is an integer and is
// rejected by the schema.
//
// Starlark:
//
//	motd = file("motd", path = "/etc/motd", mode = "0644")
//	group("main", members = [motd])
//
// # Error Handling
//
// Parse and validation problems are collected as ValidationError values with
// file and line when known. Manifest.Err folds them into one configuration
// error.
//
// # Security
//
// Starlark execution is sandboxed:
//   - No filesystem access
//   - No network access
//   - Timeout enforcement (default 30 seconds)
//   - Print statements suppressed
package config
