package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"social/internal/backend"
	"social/internal/realtime"
	"social/internal/server"
)

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging (LevelInfo)")
	veryVerbose := flag.Bool("vv", false, "Enable very verbose logging (LevelDebug)")
	flag.Parse()

	log := newLogger(*verbose, *veryVerbose)

	if err := godotenv.Load(); err != nil {
		log.Debug("main: no .env file loaded", "error", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "social.db"
	}

	b, err := backend.Open(dbPath, log)
	if err != nil {
		log.Error("main: failed to open backend", "error", err, "path", dbPath)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", server.New(b, log))
	mux.Handle("/realtime", realtime.NewHandler(b, log))

	log.Info("main: listening", "port", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Error("main: server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose, veryVerbose bool) *slog.Logger {
	level := slog.LevelWarn
	if veryVerbose {
		level = slog.LevelDebug
	} else if verbose {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}
