// goipmi -- CLI front-end for the IPMI v2.0 / RMCP+ client library.
package main

import "github.com/dantte-lp/goipmi/cmd/goipmi/commands"

func main() {
	commands.Execute()
}
