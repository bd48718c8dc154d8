package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnesss/fim-recorder/database"
	"github.com/jnesss/fim-recorder/platform"
	"github.com/jnesss/fim-recorder/policy"
	"github.com/jnesss/fim-recorder/sigma"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := initDatabaseWithUser(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	detector, err := sigma.NewDetector(cfg.RulesDir, db.Db)
	if err != nil {
		log.Printf("Sigma detection disabled: %v", err)
		detector = nil
	} else {
		defer detector.Close()
		log.Printf("Loaded %d sigma rules from %s", detector.RuleCount(), cfg.RulesDir)
	}

	engine := policy.NewEngine()
	if cfg.PolicyFile != "" {
		if err := engine.LoadAndApply(cfg.PolicyFile); err != nil {
			log.Fatalf("Failed to load policy %s: %v", cfg.PolicyFile, err)
		}
		stopWatch, err := engine.Watch(cfg.PolicyFile)
		if err != nil {
			log.Printf("Warning: policy reload disabled: %v", err)
		} else {
			defer stopWatch()
		}
	}

	consumer := NewConsumer(db, detector, nil)

	monitor, err := platform.NewMonitor(platform.Config{
		ObjectPath:   cfg.BPFObject,
		EventMapName: "events",
	}, engine, consumer.HandleRecord)
	if err != nil {
		if err == platform.ErrUnsupported {
			log.Printf("Kernel monitoring unavailable on this platform")
		} else {
			log.Fatalf("Failed to create monitor: %v", err)
		}
	} else {
		if err := monitor.Start(); err != nil {
			log.Fatalf("Failed to start monitoring: %v", err)
		}
		defer monitor.Stop()
	}

	log.Println("File integrity monitoring running. Press Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
}

func initDatabaseWithUser(dataDir string) (*database.DB, error) {
	// Drop privileges before doing anything with the database
	if err := dropPrivileges(); err != nil {
		return nil, fmt.Errorf("failed to drop privileges: %v", err)
	}

	// Create database as unprivileged user - they can create their own directory
	return database.NewDB(dataDir)
}
