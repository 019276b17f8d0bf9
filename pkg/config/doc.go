// Package config turns user input into engine input. Resource
// declarations are CUE files or directories; runtime settings (state
// backend, parallelism, retry budget) come from a YAML file validated
// with struct tags.
//
// Declarations are grouped by kind, then by name:
//
//	resources: {
//		"core.group": {
//			rg: {
//				location: "westeurope"
//			}
//		}
//		"storage.account": {
//			sa: {
//				group:      "ref://core.group.rg.id"
//				depends_on: ["core.group.rg"]
//			}
//		}
//	}
//
// Attribute strings with the ref:// prefix become references that the
// engine resolves at apply time; depends_on adds explicit ordering
// edges on top of the implicit ones.
package config
