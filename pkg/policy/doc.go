// Package policy implements Rego-based admission control for pushed
// programs. Every program is evaluated against the built-in policies plus
// any operator-supplied .rego files before it is accepted; a violation at
// error severity or above rejects the load.
package policy
