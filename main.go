// The main package for the scheduler executable.
package main

import (
	"github.com/JakeFAU/scrape-scheduler/cmd"
)

func main() {
	cmd.Execute()
}
