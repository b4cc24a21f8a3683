package main

import (
	"os"

	"deployer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
