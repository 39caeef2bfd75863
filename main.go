// The main package for the changewatch executable.
package main

import "github.com/JakeFAU/changewatch/cmd"

func main() {
	cmd.Execute()
}
