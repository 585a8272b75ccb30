package main

import "github.com/Callek/balrogscript/cmd/balrogscript/cmd"

func main() {
	cmd.Execute()
}
