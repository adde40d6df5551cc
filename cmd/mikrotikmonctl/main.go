// mikrotikmonctl is the CLI client for the mikrotikmon daemon.
package main

import "github.com/mikrotikmon/engine/cmd/mikrotikmonctl/commands"

func main() {
	commands.Execute()
}
