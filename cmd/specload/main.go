// Command specload validates a declarative specification AST file and
// prints the compiled per-entity opcode tables, standalone from the
// rest of the pipeline (internal/specast and internal/vmcompile are both
// pure: no I/O beyond reading the file itself).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/internal/vmcompile"
)

func main() {
	path := flag.String("spec", "spec.ast.json", "path to the specification AST JSON file")
	pathCacheSize := flag.Int("path-cache-size", 4096, "interned path accessor cache size")
	dumpJSON := flag.Bool("json", false, "also print the decoded AST as indented JSON")
	flag.Parse()

	spec, err := specast.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid spec: %v\n", err)
		os.Exit(1)
	}

	compiled := vmcompile.Compile(spec, *pathCacheSize)

	fmt.Printf("spec valid: %d entit(y/ies), %d view(s)\n", len(compiled.EntityOrder), len(compiled.Views))
	for _, name := range compiled.EntityOrder {
		entity := compiled.Entities[name]
		fmt.Printf("\nentity %s (primary_key=%s, capacity=%+v)\n", entity.Name, entity.PrimaryKey, entity.Capacity)
		fmt.Printf("  event opcodes: %d event type(s)\n", len(entity.EventOpcodes))
		fmt.Printf("  resolve opcodes: %d\n", len(entity.ResolveOpcodes))
		fmt.Printf("  computed opcodes: %d\n", len(entity.ComputedOpcodes))
		fmt.Printf("  instruction hooks: %d\n", len(entity.InstructionHooks))
		fmt.Printf("  resolvers: %d\n", len(entity.Resolvers))
		fmt.Printf("  lookup indexes: %v\n", entity.LookupIndexes)
	}

	if *dumpJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(spec)
	}
}
