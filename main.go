package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errScenariosFailed) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
			if he, ok := AsHarnessError(err); ok && he.Output != "" {
				fmt.Fprintln(os.Stderr, he.Output)
			}
		}
		os.Exit(1)
	}
}
