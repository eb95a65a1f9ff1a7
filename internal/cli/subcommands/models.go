package subcommands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"Hearth/internal/catalog"
	"Hearth/internal/config"
)

// RunModels manages the model catalog: list, add, remove.
func RunModels(cfg config.Config, args []string) int {
	store, err := catalog.NewStore(cfg.Store.CatalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open model catalog: %v\n", err)
		return 1
	}
	defer store.Close()

	if len(args) == 0 {
		return listModels(store)
	}

	switch args[0] {
	case "list":
		return listModels(store)
	case "add":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: hearth models add <name> <path> [projector-path]")
			return 1
		}
		projector := ""
		if len(args) > 3 {
			projector = args[3]
		}
		if err := store.Add(args[1], args[2], projector); err != nil {
			fmt.Fprintf(os.Stderr, "failed to add model: %v\n", err)
			return 1
		}
		fmt.Printf("registered %s -> %s\n", args[1], args[2])
		return 0
	case "remove", "rm":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: hearth models remove <name>")
			return 1
		}
		if err := store.Remove(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove model: %v\n", err)
			return 1
		}
		fmt.Printf("removed %s\n", args[1])
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown models subcommand %q (want list, add, or remove)\n", args[0])
		return 1
	}
}

func listModels(store *catalog.Store) int {
	models, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list models: %v\n", err)
		return 1
	}
	if len(models) == 0 {
		fmt.Println("no models registered; add one with: hearth models add <name> <path>")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tPROJECTOR\tADDED")
	for _, m := range models {
		projector := m.ProjectorPath
		if projector == "" {
			projector = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.Path, projector, m.AddedAt.Format("2006-01-02"))
	}
	w.Flush()
	return 0
}
