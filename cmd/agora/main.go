// Command agora runs a project's agents against a Nostr relay network.
package main

func main() {
	Execute()
}
