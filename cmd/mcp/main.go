// Marketplace admin MCP server: exposes dispute mediation and settlement
// tooling to LLM assistants over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lootvault/lootvault/internal/mcpserver"
)

type mcpConfig struct {
	APIURL   string `env:"LOOTVAULT_API_URL" envDefault:"http://localhost:8080"`
	APIToken string `env:"LOOTVAULT_ADMIN_TOKEN,required"`
}

func main() {
	var cfg mcpConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{APIURL: cfg.APIURL, APIToken: cfg.APIToken})
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
