package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "protected_destroy",
			Description: "Blocks destroying or replacing resources marked protected: true",
			Enabled:     true,
			Rego: `package stackform

deny contains violation if {
	some action in input.actions
	destructive(action)
	action.prior_attrs.protected == true
	violation := {
		"message": sprintf("%s is protected and may not be destroyed", [action.identity]),
		"resource": action.identity,
		"severity": "error",
	}
}

destructive(action) if action.verb == "destroy"

destructive(action) if {
	action.verb == "replace"
	action.destroy_phase == true
}
`,
		},
		{
			Name:        "replace_warning",
			Description: "Warns when a plan replaces resources instead of updating them",
			Enabled:     true,
			Rego: `package stackform

deny contains violation if {
	input.summary.replace > 0
	violation := {
		"message": sprintf("plan replaces %d resource(s); data on the old instances is lost", [input.summary.replace]),
		"severity": "warning",
	}
}
`,
		},
	}
}
