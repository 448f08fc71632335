// Command quarry is the fleet server and operator tool.
package main

import "github.com/quarryhq/quarry/cli"

func main() {
	cli.Execute()
}
