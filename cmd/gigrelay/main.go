package main

import "github.com/funagig/gigrelay/cmd/gigrelay/cmd"

func main() {
	cmd.Execute()
}
