// Command guardiand serves the policy governance engine over HTTP and
// provides offline tooling for rule packs and the audit trail.
package main

func main() {
	Execute()
}
