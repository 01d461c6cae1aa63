package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"deedvault/crypto"

	"github.com/BurntSushi/toml"
)

// GenesisAccount seeds a native-currency balance at first boot.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Gateway holds the settings of the REST facade.
type Gateway struct {
	ListenAddress        string  `toml:"ListenAddress"`
	AuthEnabled          bool    `toml:"AuthEnabled"`
	JWTSecret            string  `toml:"JWTSecret"`
	JWTIssuer            string  `toml:"JWTIssuer"`
	ReadRatePerMinute    float64 `toml:"ReadRatePerMinute"`
	ReadBurst            int     `toml:"ReadBurst"`
	WriteRatePerMinute   float64 `toml:"WriteRatePerMinute"`
	WriteBurst           int     `toml:"WriteBurst"`
	ObservabilityEnabled bool    `toml:"ObservabilityEnabled"`
	LogRequests          bool    `toml:"LogRequests"`
}

type Config struct {
	RPCAddress         string           `toml:"RPCAddress"`
	DataDir            string           `toml:"DataDir"`
	NetworkName        string           `toml:"NetworkName"`
	OperatorKeystore   string           `toml:"OperatorKeystore"`
	SellerAddress      string           `toml:"SellerAddress"`
	InspectorAddress   string           `toml:"InspectorAddress"`
	LenderAddress      string           `toml:"LenderAddress"`
	GenesisAllocations []GenesisAccount `toml:"GenesisAllocations"`
	Gateway            Gateway          `toml:"Gateway"`
}

// Load reads the configuration at path, writing a default file (and operator
// keystore) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "deedvault-local"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./deed-data"
	}
	if strings.TrimSpace(cfg.Gateway.ListenAddress) == "" {
		cfg.Gateway.ListenAddress = ":8081"
	}

	return cfg, nil
}

// Parties decodes the three configured role addresses.
func (c *Config) Parties() (seller, inspector, lender [20]byte, err error) {
	decode := func(field, value string) ([20]byte, error) {
		var out [20]byte
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return out, fmt.Errorf("config: %s required", field)
		}
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return out, fmt.Errorf("config: invalid %s: %w", field, err)
		}
		copy(out[:], addr.Bytes())
		return out, nil
	}
	if seller, err = decode("SellerAddress", c.SellerAddress); err != nil {
		return
	}
	if inspector, err = decode("InspectorAddress", c.InspectorAddress); err != nil {
		return
	}
	lender, err = decode("LenderAddress", c.LenderAddress)
	return
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystore
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystore != keystorePath {
		cfg.OperatorKeystore = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file. Fresh role
// keys are generated so a new deployment is runnable out of the box.
func createDefault(path string) (*Config, error) {
	operator, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, operator, ""); err != nil {
		return nil, err
	}

	roles := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return nil, genErr
		}
		roles = append(roles, key.PubKey().Address().String())
	}

	cfg := &Config{
		RPCAddress:       ":8080",
		DataDir:          "./deed-data",
		NetworkName:      "deedvault-local",
		OperatorKeystore: keystorePath,
		SellerAddress:    roles[0],
		InspectorAddress: roles[1],
		LenderAddress:    roles[2],
		Gateway: Gateway{
			ListenAddress:        ":8081",
			AuthEnabled:          false,
			JWTIssuer:            "deedvault",
			ReadRatePerMinute:    600,
			ReadBurst:            20,
			WriteRatePerMinute:   60,
			WriteBurst:           5,
			ObservabilityEnabled: true,
			LogRequests:          false,
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
