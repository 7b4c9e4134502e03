package main

import (
	"github.com/BioHazard786/warplink/cmd"
	"github.com/BioHazard786/warplink/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
