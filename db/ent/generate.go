// Generates the ent client for the docpipe schema. The generated client is
// not committed; run this before building anything that needs gen/ent.
package main

import (
	"log"

	"entgo.io/ent/entc"
	"entgo.io/ent/entc/gen"
)

func main() {
	cfg := &gen.Config{
		Target:  "gen/ent",
		Package: "github.com/intakehub/docpipe/gen/ent",
		Schema:  "github.com/intakehub/docpipe/db/ent/schema",
	}
	if err := entc.Generate("./db/ent/schema", cfg); err != nil {
		log.Fatalf("ent codegen: %v", err)
	}
}
