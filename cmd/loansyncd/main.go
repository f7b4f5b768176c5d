package main

import (
	"fmt"
	"os"

	"lendearn/services/loansyncd"
)

func main() {
	if err := loansyncd.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "loansyncd: %v\n", err)
		os.Exit(1)
	}
}
