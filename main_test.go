package main

import (
	"path/filepath"
	"testing"

	"printbridge/logger"
	"printbridge/printer"
	"printbridge/storage"
)

func testStore(t *testing.T) storage.ConfigStore {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func quietLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l := logger.New(logger.ERROR, "", 10)
	l.SetConsoleOutput(false)
	return l
}

func TestEnsureDeviceIDStable(t *testing.T) {
	store := testStore(t)

	first, err := ensureDeviceID(store)
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("device id should be minted on first run")
	}

	second, err := ensureDeviceID(store)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("device id changed across runs: %q vs %q", first, second)
	}
}

func TestLoadStoredPrinters(t *testing.T) {
	store := testStore(t)
	log := quietLogger(t)

	printers := []printer.Descriptor{
		{ID: "p1", Name: "Counter", Kind: printer.KindNetwork, Host: "10.0.0.5"},
		{ID: "p2", Name: "Kitchen", Kind: printer.KindNetwork, Host: "10.0.0.6"},
	}
	assignments := []printer.Assignment{
		{Role: printer.RoleCustomerTicket, PrinterID: "p1", CashDrawerEnabled: true},
		{Role: printer.RoleKitchenDefault, PrinterID: "p2"},
	}
	if err := store.Set(storage.KeyLocalPrinters, printers); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(storage.KeyPrinterAssignments, assignments); err != nil {
		t.Fatal(err)
	}

	registry := printer.NewRegistry(log)
	t.Cleanup(registry.Close)

	if err := loadPrinters(store, registry, log); err != nil {
		t.Fatal(err)
	}
	if registry.Count() != 2 {
		t.Errorf("printer count = %d", registry.Count())
	}
	if !registry.CashDrawerEnabled(printer.RoleCustomerTicket) {
		t.Error("drawer flag lost on load")
	}
}

func TestLegacyPrinterMigration(t *testing.T) {
	store := testStore(t)
	log := quietLogger(t)

	legacy := printer.Descriptor{
		Name: "Old Counter", Kind: printer.KindNetwork, Host: "10.0.0.5",
	}
	if err := store.Set(storage.KeyLegacyPrinter, legacy); err != nil {
		t.Fatal(err)
	}

	registry := printer.NewRegistry(log)
	t.Cleanup(registry.Close)

	if err := loadPrinters(store, registry, log); err != nil {
		t.Fatal(err)
	}

	if registry.Count() != 1 {
		t.Fatalf("printer count = %d", registry.Count())
	}
	descs := registry.Printers()
	if descs[0].ID != "migrated-default" {
		t.Errorf("migrated id = %q", descs[0].ID)
	}

	// Every non-station role resolves to the migrated printer.
	for _, role := range []printer.Role{printer.RoleCustomerTicket, printer.RoleKitchenDefault, printer.RoleFiscal} {
		if !registry.HasAssignment(role, "") {
			t.Errorf("role %s should be assigned after migration", role)
		}
	}

	// The migrated layout is persisted for the next start.
	var stored []printer.Descriptor
	if err := store.Get(storage.KeyLocalPrinters, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != "migrated-default" {
		t.Errorf("persisted printers: %+v", stored)
	}
}

func TestLoadPrintersEmptyStore(t *testing.T) {
	store := testStore(t)
	log := quietLogger(t)

	registry := printer.NewRegistry(log)
	t.Cleanup(registry.Close)

	if err := loadPrinters(store, registry, log); err != nil {
		t.Fatal(err)
	}
	if registry.Count() != 0 {
		t.Errorf("fresh store should register nothing, got %d", registry.Count())
	}
}
