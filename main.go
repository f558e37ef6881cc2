package main

import "github.com/bryntje/warden/cmd"

func main() {
	cmd.Execute()
}
