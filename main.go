// exochat - a terminal client for an RSA-encrypted chat protocol, with
// optional SSH bastion tunnelling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"exochat/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "exochat: %v\n", err)
		os.Exit(1)
	}
}
