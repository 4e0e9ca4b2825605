package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"stackchan/internal/config"
	db "stackchan/internal/db"
	"stackchan/internal/db/migrate"
)

func runMigrate(ctx context.Context, out io.Writer) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	conn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()

	if err := migrate.Run(ctx, conn); err != nil {
		return err
	}
	fmt.Fprintln(out, "migrations applied")
	return nil
}
