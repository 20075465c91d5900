package main

import "github.com/audiolibrelab/answercapture/cmd"

func main() {
	cmd.Execute()
}
