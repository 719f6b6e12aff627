package config_test

import (
	"fmt"
	"log"
	"os"

	"github.com/ajitpratap0/notesync/pkg/config"
)

// ExampleNewConfig demonstrates the default configuration.
func ExampleNewConfig() {
	cfg := config.NewConfig()

	fmt.Printf("Driver: %s\n", cfg.Store.Driver)
	fmt.Printf("Batch Size: %d\n", cfg.Pipeline.BatchSize)
	fmt.Printf("Max Notes: %d\n", cfg.Delta.MaxNotes)
	fmt.Printf("Gate Capacity: %d\n", cfg.Gate.Capacity)

	// Output:
	// Driver: sqlite
	// Batch Size: 1000
	// Max Notes: 10000
	// Gate Capacity: 4
}

// ExampleConfig_Validate shows how to validate a configuration
// before using it.
func ExampleConfig_Validate() {
	cfg := config.NewConfig()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://notes@localhost/notes"

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	fmt.Println("Configuration is valid!")

	cfg.Pipeline.MaxRejectedChunkRatio = 1.5
	fmt.Println(cfg.Validate())

	// Output:
	// Configuration is valid!
	// config: pipeline.max_rejected_chunk_ratio: must be within [0,1]
}

// ExampleLoad demonstrates loading configuration from a YAML file
// with environment variable substitution.
func ExampleLoad() {
	dir, _ := os.MkdirTemp("", "notesync-config")
	defer os.RemoveAll(dir)

	os.Setenv("EXAMPLE_NOTES_DB", dir+"/notes.db")
	defer os.Unsetenv("EXAMPLE_NOTES_DB")

	path := dir + "/config.yaml"
	_ = os.WriteFile(path, []byte("store:\n  dsn: ${EXAMPLE_NOTES_DB}\npipeline:\n  batch_size: 250\n"), 0o600)

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(cfg.Store.DSN == dir+"/notes.db")
	fmt.Println(cfg.Pipeline.BatchSize)
	fmt.Println(cfg.Pipeline.PartitionFactor)

	// Output:
	// true
	// 250
	// 2
}
