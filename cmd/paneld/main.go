package main

import "github.com/paneld/paneld/cmd"

func main() {
	cmd.Execute()
}
