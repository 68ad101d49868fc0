package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/eshop/go/internal/platform/config"
)

// Lists dead-lettered outbox rows and, with -apply, puts them back in the
// pending set with a fresh attempt budget.
func main() {
	eventType := flag.String("type", "", "only rows of this event type")
	apply := flag.Bool("apply", false, "requeue the rows instead of listing them")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	query := `
		SELECT id, type, correlation_id, attempts, coalesce(error_message, ''), dead_lettered_on
		FROM outbox_messages
		WHERE dead_lettered_on IS NOT NULL AND processed_on IS NULL AND ($1 = '' OR type = $1)
		ORDER BY occurred_on`
	if *apply {
		query = `
			UPDATE outbox_messages
			SET dead_lettered_on = NULL, attempts = 0
			WHERE dead_lettered_on IS NOT NULL AND processed_on IS NULL AND ($1 = '' OR type = $1)
			RETURNING id, type, correlation_id, attempts, coalesce(error_message, ''), occurred_on`
	}

	rows, err := pool.Query(ctx, query, *eventType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query dead letters: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id          uuid.UUID
			typ, corr   string
			attempts    int
			lastError   string
			stampedTime time.Time
		)
		if err := rows.Scan(&id, &typ, &corr, &attempts, &lastError, &stampedTime); err != nil {
			fmt.Fprintf(os.Stderr, "scan row: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s  %-16s  corr=%s  attempts=%d  at=%s  error=%q\n",
			id, typ, corr, attempts, stampedTime.UTC().Format(time.RFC3339), lastError)
		count++
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate rows: %v\n", err)
		os.Exit(1)
	}

	if *apply {
		fmt.Printf("Done: %d rows requeued\n", count)
	} else {
		fmt.Printf("Done: %d dead-lettered rows (run with -apply to requeue)\n", count)
	}
}
