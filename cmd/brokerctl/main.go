// brokerctl is the operator CLI for a running tracker: list peers, inspect leaders, resolve and
// purge pseudonyms, and produce admin hashes and development session tokens.
package main

func main() {
	Execute()
}
