package main

import "github.com/habittribe/tribe/cmd"

func main() {
	cmd.Execute()
}
