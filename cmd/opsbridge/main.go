package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"opsbridge/internal/infra/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "validate-config":
		if err := runValidateConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "validate-config: %v\n", err)
			os.Exit(1)
		}
	case "encrypt-value":
		if err := runEncryptValue(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-value: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("opsbridge " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'opsbridge --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`opsbridge - capability-routed task bridge for operations agents

USAGE:
    opsbridge [COMMAND] [FLAGS]

COMMANDS:
    validate-config   Check the config file and exit
    encrypt-value     Encrypt a secret for use in the config file
    version           Print the version

    (no command) - Run the bridge with existing config

FLAGS:
    -h, --help       Show this help message
    --config PATH    Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: OPSBRIDGE_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with OPSBRIDGE_CONFIG_KEY

EXAMPLES:
    opsbridge                                  # Run with config.yaml
    opsbridge --config /etc/opsbridge.yaml     # Run with custom config
    opsbridge validate-config                  # Lint the config
    OPSBRIDGE_CONFIG_KEY=... opsbridge encrypt-value   # Encrypt an API key`)
}

// configPath returns the --config flag value or the default.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "./config.yaml"
}

func runValidateConfig() error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: %s (%d agents, %d routing rules)\n",
		path, len(cfg.Agents), len(cfg.Routing.Rules))
	return nil
}

// runEncryptValue reads a plaintext secret from stdin and prints the
// encrypted form for pasting into the config file.
func runEncryptValue() error {
	passphrase := os.Getenv("OPSBRIDGE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("set OPSBRIDGE_CONFIG_KEY to the passphrase first")
	}

	fmt.Fprint(os.Stderr, "value to encrypt: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read value: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return fmt.Errorf("empty value")
	}

	encrypted, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + encrypted)
	return nil
}
