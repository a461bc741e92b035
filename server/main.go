package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"

	"cellsim/engine/parallel"
	"cellsim/engine/sim"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "cellsim.db", "SQLite database path (empty disables persistence)")
	workers := flag.Int("workers", 0, "Simulation worker goroutines shared by all sessions (0 = GOMAXPROCS)")
	tick := flag.Int("tick", 0, "Tick rate override in Hz (0 keeps the stored or default rate)")
	fill := flag.Int("fill", 2000, "Food pellets scattered into each new session")
	publicURL := flag.String("public", "", "Public base URL used in session QR codes")
	prof := flag.String("profile", "off", "Profile mode: cpu, mem or off")
	flag.Parse()

	switch *prof {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "off":
	default:
		log.Fatalf("unknown profile mode %q", *prof)
	}

	var db *DB
	if *dbPath != "" {
		var err error
		db, err = OpenDB(*dbPath)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
	}

	settings := loadSettings(db)
	if *tick > 0 {
		settings.TickRate = *tick
	}
	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		log.Fatalf("settings: %v", err)
	}

	runner := parallel.NewRunner(*workers)
	defer runner.Close()

	hub := NewHub(Config{Settings: settings, Runner: runner, Fill: *fill, PublicURL: *publicURL}, db)
	go hub.Run()

	mux := SetupRoutes(hub)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Printf("Server starting on %s (%d workers, %d Hz)", *addr, runner.Workers(), settings.TickRate)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down...")
	server.Close()
	hub.Close()
}

// loadSettings returns the persisted default settings, or the built-in
// defaults when there are none.
func loadSettings(db *DB) sim.Settings {
	s := sim.DefaultSettings()
	if db == nil {
		return s
	}
	raw := db.GetSetting(settingsKey)
	if raw == "" {
		return s
	}
	var stored sim.Settings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		log.Printf("warning: ignoring stored settings: %v", err)
		return s
	}
	return stored
}
