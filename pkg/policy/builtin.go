package policy

// BuiltinPolicies returns the policies compiled into the firmware.
func BuiltinPolicies() []Policy {
	return []Policy{
		programNamingPolicy(),
		sourceRestrictionsPolicy(),
		checksumRequiredPolicy(),
	}
}

// programNamingPolicy enforces program identifier conventions.
func programNamingPolicy() Policy {
	return Policy{
		Name:        "program-naming",
		Description: "Enforces program identifier conventions (lowercase alphanumeric, hyphens, underscores)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package luminode.policies.naming

import rego.v1

deny contains violation if {
	input.program
	program := input.program

	not regex.match("^[a-z0-9_-]+$", program.id)
	violation := {
		"message": sprintf("program id '%s' must contain only lowercase letters, numbers, hyphens, and underscores", [program.id]),
		"severity": "error",
	}
}

deny contains violation if {
	input.program
	program := input.program

	count(program.id) > 128
	violation := {
		"message": sprintf("program id '%s' must be at most 128 characters", [program.id]),
		"severity": "error",
	}
}
`,
	}
}

// sourceRestrictionsPolicy blocks language features disabled on devices.
func sourceRestrictionsPolicy() Policy {
	return Policy{
		Name:        "source-restrictions",
		Description: "Blocks module loads; programs must be self-contained",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"source", "sandbox"},
		Rego: `package luminode.policies.source

import rego.v1

deny contains violation if {
	input.program
	program := input.program

	regex.match("(?m)^\\s*load\\(", program.source)
	violation := {
		"message": "module loads are not available on devices; programs must be self-contained",
		"severity": "error",
	}
}
`,
	}
}

// checksumRequiredPolicy flags programs pushed without integrity checksums.
func checksumRequiredPolicy() Policy {
	return Policy{
		Name:        "checksum-required",
		Description: "Warns when a program is pushed without a checksum; blocks it in production",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"integrity"},
		Rego: `package luminode.policies.integrity

import rego.v1

deny contains violation if {
	input.program.checksum == ""
	input.context.environment == "production"
	violation := {
		"message": "programs without checksums are not accepted in production",
		"severity": "error",
	}
}

deny contains violation if {
	input.program.checksum == ""
	input.context.environment != "production"
	violation := {
		"message": "program was pushed without a checksum",
		"severity": "warning",
	}
}
`,
	}
}
