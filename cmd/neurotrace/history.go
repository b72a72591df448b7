package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"neurotrace/internal/config"
	"neurotrace/internal/store"
)

var historyLimit int

// historyCmd lists persisted sessions
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past monitored sessions",
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum sessions to list")
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	sessions, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer sessions.Close()

	list, err := sessions.List(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions recorded yet.")
		return nil
	}

	fmt.Println(headerStyle.Render("Sessions"))
	for _, s := range list {
		line := fmt.Sprintf("%s  %-9s  %s", s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Status, s.Script)
		fmt.Println(line)
		fmt.Println(dimStyle.Render("  id: " + s.ID))
		if s.Fault != "" {
			fmt.Println(faultStyle.Render("  fault: " + s.Fault))
		}
	}
	return nil
}
