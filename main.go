package main

import (
	"github.com/manifest-network/aptfeed/cmd/aptfeed"
)

func main() {
	aptfeed.Execute()
}
