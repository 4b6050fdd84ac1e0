// Command envdoc prints the environment variable overrides meshctl's
// config loader recognizes, derived by reflecting over config.Config.
package main

import (
	"fmt"
	"os"

	"meshctl/internal/config"
)

func main() {
	fmt.Println("# meshctl Environment Variables")
	fmt.Println()
	fmt.Println("Every process (registry, agentdemo, proxy) loads a YAML config file")
	fmt.Println("first, then layers these environment variable overrides on top.")
	fmt.Println()
	fmt.Println("## Available Environment Variables")
	fmt.Println()

	cfg := &config.Config{}
	for _, example := range config.EnvExample(cfg) {
		fmt.Printf("- `%s`\n", example)
	}

	fmt.Println()
	fmt.Println("## Examples")
	fmt.Println()
	fmt.Println("```bash")
	fmt.Println("# Override the registry API port")
	fmt.Println("export MESHCTL_REGISTRY_HTTP_PORT=6000")
	fmt.Println()
	fmt.Println("# Point the proxy's discovery cache at a non-default registry")
	fmt.Println("export MESHCTL_PROXY_DISCOVERY_REGISTRYURL=http://registry.internal:5000")
	fmt.Println()
	fmt.Println("# Run with env var overrides applied")
	fmt.Println("./registry -config registry.yaml")
	fmt.Println("```")

	os.Exit(0)
}
