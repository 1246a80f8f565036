// Package policy provides Open Policy Agent (OPA) integration for declaration
// checks.
//
// Every declaration in a manifest is bound to Rego's input before any resource
// is built. A policy is a Rego module whose deny set lists violations;
// violations with error or critical severity block the run, the rest are
// reported as warnings.
//
// # Input
//
//	{
//	    "resource": {"id": "motd", "type": "file", "labels": {...}, "config": {"path": "/etc/motd", "mode": "0644"}},
//	    "context":  {"timestamp": "...", "operation": "apply", "dry_run": false}
//	}
//
// # Built-in Policies
//
//  1. world-writable - Denies modes writable by others unless sticky
//  2. system-ownership - Denies non-root owners under /etc
//  3. recursive-root - Denies recursive management of /
//  4. create-without-mode - Warns when created objects have no explicit mode
//
// # Custom Policies
//
// Custom policies are loaded from .rego or .json files. A .rego file takes its
// name from the file and its severity from a "# severity:" comment:
//
//	# Production files must be checksummed.
//	# severity: error
//	package custom.checksum
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.resource.labels.env == "production"
//	    not input.resource.config.checksum
//	    violation := {"message": "production files need a checksum"}
//	}
//
// # Hot Reload
//
// The loader watches policy directories and hands the reloaded set to a
// callback, typically Engine.ReloadPolicies.
package policy
