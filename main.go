package main

import "github.com/dimaryaz/jdmtool/cmd"

func main() {
	cmd.Execute()
}
