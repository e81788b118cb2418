package main

import (
	"github.com/alecthomas/kong"

	// Respect container memory limits.
	_ "github.com/KimMachineGun/automemlimit"
)

type cli struct {
	Serve ServeCmd `cmd:"" default:"1" help:"Run the glyph marketplace API."`
}

func main() {
	ctx := kong.Parse(&cli{},
		kong.Name("glyphmart"),
		kong.Description("A glyph marketplace with self-healing engagement counters."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
