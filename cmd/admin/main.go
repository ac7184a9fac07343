package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"roomchat/backend/internal/config"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/dustin/go-humanize"
)

const usage = `Usage: admin <command> [args]

Commands:
  history <room> [limit]   print the latest messages of a room
  purge <duration>         delete messages older than duration (e.g. 720h)`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	store, err := storage.Open(cfg.DatabaseDSN, cfg.PebblePath, nil)
	if err != nil {
		log.Fatalf("failed to open message store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "history":
		if len(os.Args) < 3 || len(os.Args) > 4 {
			fmt.Println("Usage: admin history <room> [limit]")
			os.Exit(1)
		}
		limit := storage.DefaultHistoryLimit
		if len(os.Args) == 4 {
			limit, err = strconv.Atoi(os.Args[3])
			if err != nil || limit < 1 {
				fmt.Println("Invalid limit. Please provide a positive integer.")
				os.Exit(1)
			}
		}
		if err := printHistory(ctx, store, os.Args[2], limit); err != nil {
			log.Fatalf("Error reading history: %v", err)
		}
	case "purge":
		if len(os.Args) != 3 {
			fmt.Println("Usage: admin purge <duration>")
			os.Exit(1)
		}
		age, err := time.ParseDuration(os.Args[2])
		if err != nil || age <= 0 {
			fmt.Println("Invalid duration. Please provide a positive Go duration such as 720h.")
			os.Exit(1)
		}
		n, err := store.PurgeBefore(ctx, time.Now().Add(-age))
		if err != nil {
			log.Fatalf("Error purging messages: %v", err)
		}
		fmt.Printf("Purged %s messages older than %s.\n", humanize.Comma(n), age)
	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

// printHistory shows the newest limit messages, oldest first.
func printHistory(ctx context.Context, store storage.MessageStore, room string, limit int) error {
	var all []models.Message
	q := models.HistoryQuery{Limit: storage.MaxHistoryLimit}
	for {
		page, err := store.ListByRoom(ctx, room, q)
		if err != nil {
			return err
		}
		all = append(all, page...)
		if len(all) > limit {
			all = all[len(all)-limit:]
		}
		if len(page) < q.Limit {
			break
		}
		q = q.After(page[len(page)-1])
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAUTHOR\tWHEN\tBODY\tREACTIONS")
	for _, m := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", m.ID, m.UserName, humanize.Time(m.CreatedAt), body(m), len(m.Reactions))
	}
	return w.Flush()
}

func body(m models.Message) string {
	var parts []string
	if m.Text != "" {
		text := strings.ReplaceAll(m.Text, "\n", " ")
		if len([]rune(text)) > 60 {
			text = string([]rune(text)[:60]) + "…"
		}
		parts = append(parts, text)
	}
	if m.Image != "" {
		parts = append(parts, "[image "+humanize.Bytes(uint64(len(m.Image)))+"]")
	}
	if m.Voice != "" {
		parts = append(parts, "[voice "+humanize.Bytes(uint64(len(m.Voice)))+"]")
	}
	return strings.Join(parts, " ")
}
