package main

import (
	"os"

	"github.com/nixhive/evaljobs/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
