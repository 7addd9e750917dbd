package main

import (
	"github.com/outofforest/courier/wire"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.Hello](),
		proton.Message[wire.Frame](),
	)
}
