package main

import "github.com/painel-eleitoral/server/cmd/server/cmd"

func main() {
	cmd.Execute()
}
