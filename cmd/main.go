package main

import (
	"os"
)

func main() {
	root := newRootCmd()
	// The Lambda runtime starts the binary without arguments.
	if len(os.Args) == 1 && os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		root.SetArgs([]string{"lambda"})
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
