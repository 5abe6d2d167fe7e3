package main

import "github.com/nextlevelbuilder/gosling/cmd"

func main() {
	cmd.Execute()
}
