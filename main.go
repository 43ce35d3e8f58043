package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/surface.report/internal/api"
	"github.com/banshee-data/surface.report/internal/db"
	"github.com/banshee-data/surface.report/internal/sgrt"
	"github.com/banshee-data/surface.report/internal/units"
	"github.com/banshee-data/surface.report/internal/version"
)

var (
	rootDir       = flag.String("root", "", "Path to the Pdata export root (required)")
	dbFile        = flag.String("db", "", "SQLite catalog path; empty disables the catalog")
	migrationsDir = flag.String("migrations", "migrations", "Path to schema migration files")
	listen        = flag.String("listen", ":8080", "Listen address for the API server")
	serve         = flag.Bool("serve", false, "Serve the loaded data over HTTP after loading")
	strictMode    = flag.Bool("strict", false, "Fail a patient on the first malformed record")
	sessionGap    = flag.Duration("session-gap", sgrt.DefaultSessionGap, "Idle gap that splits treatment sessions")
	timezone      = flag.String("timezone", "", "Clinic timezone for calendar day bucketing (default: host timezone)")
	lengthUnits   = flag.String("units", units.UnitCentimeters, "Default length units for API output (cm or mm)")
	parallelism   = flag.Int("parallelism", 1, "Patient folders to load concurrently")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("surface.report %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *rootDir == "" {
		log.Fatal("-root is required")
	}
	loc, err := units.LoadClinicLocation(*timezone)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := sgrt.Config{
		SessionGap:  *sessionGap,
		StrictMode:  *strictMode,
		Timezone:    loc,
		Parallelism: *parallelism,
	}

	collection, err := sgrt.Load(ctx, *rootDir, cfg)
	if err != nil {
		log.Fatalf("failed to load %s: %v", *rootDir, err)
	}

	report := collection.Report()
	log.Printf("loaded %d patients from %s (%d failed)",
		collection.Len(), *rootDir, report.FailedCount())

	var catalog *db.DB
	if *dbFile != "" {
		catalog, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open catalog: %v", err)
		}
		defer catalog.Close()

		if err := catalog.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("failed to migrate catalog: %v", err)
		}
		if err := saveCatalog(ctx, catalog, collection); err != nil {
			log.Fatalf("failed to save catalog: %v", err)
		}
		log.Printf("saved catalog to %s", *dbFile)
	}

	if !*serve {
		if report.FailedCount() > 0 {
			os.Exit(1)
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// admin debugging routes, accessible only in dev mode or over a
		// tailnet
		if catalog != nil {
			catalog.AttachAdminRoutes(mux)
		}

		apiServer := api.NewServer(collection, *lengthUnits)
		mux.Handle("/api/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("serving on %s", *listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}

func saveCatalog(ctx context.Context, catalog *db.DB, collection *sgrt.PatientCollection) error {
	if err := catalog.SaveLoadReport(ctx, collection.Report()); err != nil {
		return err
	}
	for _, p := range collection.Patients() {
		if err := catalog.SavePatient(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
