// Package policy evaluates Rego policies against computed plans before
// anything is applied. A policy contributes violations through the
// data.stackform.deny rule; violations at error severity block the
// apply, warnings are surfaced but do not.
package policy
