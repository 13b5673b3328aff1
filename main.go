// PrintBridge is a restaurant hardware bridge daemon. It subscribes to the
// backend's change feed, claims print jobs so only one bridge per restaurant
// prints them, renders tickets through the frontend API, drives local ESC/POS
// printers, and fans alerts out to wearable devices on the LAN.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"printbridge/cloud"
	"printbridge/ingress"
	"printbridge/logger"
	"printbridge/notifier"
	"printbridge/pipeline"
	"printbridge/printer"
	"printbridge/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "config.toml", "Configuration file path")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("printbridge %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return
	}

	if *generateConfig {
		if err := WriteDefaultConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", *configPath)
		return
	}

	if *serviceCmd != "" {
		handleServiceCommand(*serviceCmd)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	os.Exit(runDaemon(ctx))
}

// runDaemon wires every component together and blocks until ctx is
// cancelled. Returns the process exit code.
func runDaemon(ctx context.Context) int {
	configPath := "config.toml"
	if flag.Lookup("config") != nil {
		configPath = flag.Lookup("config").Value.String()
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	log := logger.New(logger.LevelFromString(cfg.Logging.Level), defaultLogDir(), 1000)
	defer log.Close()

	log.Info("PrintBridge starting", "version", Version, "config", configPath)

	if err := cfg.Validate(); err != nil {
		log.Error("Refusing to start with incomplete configuration", "error", err)
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		log.Error("Failed to create data directory", "path", cfg.Database.Path, "error", err)
		return 1
	}
	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open config store", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer store.Close()

	deviceID, err := ensureDeviceID(store)
	if err != nil {
		log.Error("Failed to establish device identity", "error", err)
		return 1
	}
	log.Info("Device identity", "device_id", deviceID, "restaurant_id", cfg.Bridge.RestaurantID)

	// Mirror the tenant binding into the store so the dashboard sync and the
	// local API agree with the config file. syncWithDashboard is an opt-out
	// flag; a fresh store gets it enabled.
	if raw, err := store.GetString(storage.KeyRestaurantID); err == nil && raw == "" {
		store.Set(storage.KeySyncWithDashboard, true)
	}
	store.SetString(storage.KeyRestaurantID, cfg.Bridge.RestaurantID)
	store.SetString(storage.KeyRestaurantName, cfg.Bridge.RestaurantName)
	store.SetString(storage.KeySupabaseURL, cfg.Cloud.URL)
	store.SetString(storage.KeyFrontendURL, cfg.Cloud.FrontendURL)

	registry := printer.NewRegistry(log)
	defer registry.Close()
	if cfg.SNMP.Enabled {
		registry.SetSNMPProbe(&printer.SNMPProbe{Community: cfg.SNMP.Community})
	}
	if err := loadPrinters(store, registry, log); err != nil {
		log.Warn("Failed to load stored printers", "error", err)
	}
	if registry.Count() > 0 {
		if done, _ := store.GetBool(storage.KeySetupCompleted); !done {
			store.Set(storage.KeySetupCompleted, true)
		}
	}

	client := cloud.NewClient(cfg.Cloud.URL, cfg.Cloud.AnonKey, cfg.Cloud.FrontendURL,
		cfg.Bridge.RestaurantID, deviceID, log)
	client.PaperWidth = cfg.Bridge.PaperWidth

	feed := cloud.NewRealtime(cfg.Cloud.URL, cfg.Cloud.AnonKey, cfg.Bridge.RestaurantID, log)
	feed.Start(ctx)
	defer feed.Close()

	broadcaster := notifier.NewBroadcaster(cfg.Notifier.Port, cfg.Bridge.MinFirmware, log)
	if err := broadcaster.Start(); err != nil {
		log.Error("Failed to start notifier", "error", err)
		return 1
	}
	defer broadcaster.Stop()

	pipe := pipeline.New(client, client, registry, broadcaster, feed, client, log)
	pipe.Version = Version
	if sync, err := store.GetBool(storage.KeySyncWithDashboard); err == nil && !sync {
		pipe.Heartbeats = false
		log.Info("Dashboard heartbeats disabled by store flag")
	}

	api := ingress.NewServer(cfg.Ingress.Port, deviceID, cfg.Bridge.RestaurantID, Version, registry, log)
	api.Notifier = broadcaster
	api.Pipeline = pipe
	if err := api.Start(); err != nil {
		log.Error("Failed to start ingress", "error", err)
		return 1
	}
	defer api.Stop()

	advertiser, err := ingress.Advertise(cfg.Ingress.Port, deviceID, cfg.Bridge.RestaurantID, Version, log)
	if err != nil {
		// POS terminals can still reach us by configured address.
		log.Warn("mDNS advertisement unavailable", "error", err)
	} else {
		defer advertiser.Stop()
	}

	log.Info("PrintBridge ready",
		"ingress_port", cfg.Ingress.Port,
		"notifier_port", cfg.Notifier.Port,
		"printers", registry.Count())

	pipe.Run(ctx)

	store.SetTime(storage.KeyLastHeartbeat, time.Now())
	log.Info("PrintBridge stopped")
	return 0
}

// ensureDeviceID returns the persisted device id, minting one on first run.
func ensureDeviceID(store storage.ConfigStore) (string, error) {
	id, err := store.GetString(storage.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := store.SetString(storage.KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// loadPrinters restores printer descriptors and role assignments from the
// store. A bridge upgraded from the single-printer era has only the legacy
// "printer" key; it becomes a registered printer bound to every non-station
// role.
func loadPrinters(store storage.ConfigStore, registry *printer.Registry, log *logger.Logger) error {
	var printers []printer.Descriptor
	if err := store.Get(storage.KeyLocalPrinters, &printers); err != nil {
		return err
	}

	for _, desc := range printers {
		if err := registry.Register(desc); err != nil {
			log.Warn("Skipping stored printer", "printer_id", desc.ID, "error", err)
		}
	}

	var assignments []printer.Assignment
	if err := store.Get(storage.KeyPrinterAssignments, &assignments); err != nil {
		return err
	}
	registry.SetAssignments(assignments)

	if registry.Count() > 0 {
		return nil
	}

	// Legacy migration path.
	var legacy printer.Descriptor
	if err := store.Get(storage.KeyLegacyPrinter, &legacy); err != nil {
		return err
	}
	if legacy.Kind == "" {
		return nil
	}

	legacy.ID = "migrated-default"
	if legacy.Name == "" {
		legacy.Name = "Migrated Printer"
	}
	if err := registry.Register(legacy); err != nil {
		return fmt.Errorf("legacy printer migration failed: %w", err)
	}
	registry.SetAssignments([]printer.Assignment{
		{Role: printer.RoleCustomerTicket, PrinterID: legacy.ID, CashDrawerEnabled: true},
		{Role: printer.RoleKitchenDefault, PrinterID: legacy.ID},
		{Role: printer.RoleFiscal, PrinterID: legacy.ID},
	})
	log.Info("Migrated legacy single-printer configuration", "printer_id", legacy.ID)

	// Persist the migrated layout so the next start takes the normal path.
	if err := store.Set(storage.KeyLocalPrinters, registry.Printers()); err != nil {
		return err
	}
	return store.Set(storage.KeyPrinterAssignments, registry.Assignments())
}
