package main

import (
	"os"

	"github.com/scoutflo/homelab-mcp-server/pkg/homelab-mcp-server/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
