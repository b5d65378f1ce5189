// Kiln is an incremental build driver.
package main

import "github.com/albertocavalcante/kiln/cmd/kiln/internal/cli"

func main() {
	cli.Execute()
}
