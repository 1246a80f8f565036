package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		worldWritablePolicy(),
		systemOwnershipPolicy(),
		recursiveRootPolicy(),
		createWithoutModePolicy(),
	}
}

// worldWritablePolicy rejects modes that let anyone write, unless the sticky
// bit is set.
func worldWritablePolicy() Policy {
	return Policy{
		Name:        "world-writable",
		Description: "Denies file modes that grant write permission to others",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"permissions", "security"},
		Rego: `package converge.policies.permissions

import rego.v1

digits(m) := trim_left(trim_prefix(m, "0o"), "0")

world_writable(m) if {
	d := digits(m)
	count(d) > 0
	substring(d, count(d) - 1, 1) in {"2", "3", "6", "7"}
}

sticky(m) if {
	d := digits(m)
	count(d) == 4
	substring(d, 0, 1) in {"1", "3", "5", "7"}
}

deny contains violation if {
	input.resource.type == "file"
	m := input.resource.config.mode
	world_writable(m)
	not sticky(m)
	violation := {
		"message": sprintf("mode %s makes %s world-writable", [m, input.resource.config.path]),
		"resource": input.resource.id,
	}
}
`,
	}
}

// systemOwnershipPolicy requires files under /etc to be owned by root.
func systemOwnershipPolicy() Policy {
	return Policy{
		Name:        "system-ownership",
		Description: "Denies non-root ownership of files under /etc",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"ownership", "security"},
		Rego: `package converge.policies.ownership

import rego.v1

system_path(p) if p == "/etc"

system_path(p) if startswith(p, "/etc/")

deny contains violation if {
	input.resource.type == "file"
	path := input.resource.config.path
	system_path(path)
	owner := input.resource.config.owner
	not owner in {"root", "0"}
	violation := {
		"message": sprintf("%s must be owned by root, not %s", [path, owner]),
		"resource": input.resource.id,
	}
}
`,
	}
}

// recursiveRootPolicy refuses to manage the whole filesystem recursively.
func recursiveRootPolicy() Policy {
	return Policy{
		Name:        "recursive-root",
		Description: "Denies recursive management of the filesystem root",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package converge.policies.recursion

import rego.v1

deny contains violation if {
	input.resource.type == "file"
	input.resource.config.recurse == true
	trim_right(input.resource.config.path, "/") == ""
	violation := {
		"message": "recursive management of / is not allowed",
		"resource": input.resource.id,
	}
}
`,
	}
}

// createWithoutModePolicy warns when created objects get umask-derived permissions.
func createWithoutModePolicy() Policy {
	return Policy{
		Name:        "create-without-mode",
		Description: "Warns when an object is created without an explicit mode",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"permissions"},
		Rego: `package converge.policies.create

import rego.v1

creates(cfg) if cfg.create == true

creates(cfg) if cfg.create in {"true", "file", "directory"}

deny contains violation if {
	input.resource.type == "file"
	cfg := input.resource.config
	creates(cfg)
	not cfg.mode
	violation := {
		"message": sprintf("%s is created without a mode; permissions will follow the umask", [cfg.path]),
		"resource": input.resource.id,
	}
}
`,
	}
}
