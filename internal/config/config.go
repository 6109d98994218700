package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"github.com/yanun0323/errors"
)

// DefaultPlatformPath is where the platform looks for its top-level config
// when no path is given on the command line.
const DefaultPlatformPath = "conf/platform_config.toml"

// ComponentRef points at the config file of a robot or gateway declared in
// the platform config.
type ComponentRef struct {
	Name           string `mapstructure:"name"`
	ConfigFilePath string `mapstructure:"config_file_path"`
}

// Observability controls optional profiling and metrics reporting.
type Observability struct {
	PyroscopeEnabled bool   `mapstructure:"pyroscope_enabled"`
	PyroscopeAddr    string `mapstructure:"pyroscope_addr"`
}

// Server configures the HTTP control plane.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Storage configures persistence of fills and ledger snapshots.
type Storage struct {
	SnapshotDir string `mapstructure:"snapshot_dir"`
	JournalPath string `mapstructure:"journal_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Platform is the top-level config tying robots to gateways.
type Platform struct {
	Robots        []ComponentRef `mapstructure:"robots"`
	Gateways      []ComponentRef `mapstructure:"gateways"`
	Observability Observability  `mapstructure:"observability"`
	Server        Server         `mapstructure:"server"`
	Storage       Storage        `mapstructure:"storage"`
}

// StrategyRef names the strategy a robot runs and where its parameters live.
type StrategyRef struct {
	Name           string `mapstructure:"name"`
	StrategyType   string `mapstructure:"strategy_type"`
	ConfigFilePath string `mapstructure:"config_file_path"`
}

// PNLComponent declares one instrument tracked by a robot's risk control.
type PNLComponent struct {
	Instrument           string `mapstructure:"instrument"`
	Gateway              string `mapstructure:"gateway"`
	BadDealChainSequence bool   `mapstructure:"bad_deal_chain_sequence"`
	PriceHint            string `mapstructure:"price_hint"`
}

// PNL holds a robot's loss limits.
type PNL struct {
	Currency   string         `mapstructure:"currency"`
	MaxLoss    int            `mapstructure:"max_loss"`
	StopLoss   int            `mapstructure:"stop_loss"`
	Components []PNLComponent `mapstructure:"components"`
}

// Robot configures a single trading robot.
type Robot struct {
	Name     string      `mapstructure:"name"`
	Gateway  string      `mapstructure:"gateway"`
	Strategy StrategyRef `mapstructure:"strategy"`
	PNL      PNL         `mapstructure:"pnl"`
}

// Account holds venue credentials. Key fields may reference environment
// variables as ${VAR}.
type Account struct {
	Name      string `mapstructure:"name"`
	AccountID string `mapstructure:"account_id"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Instrument describes a tradable symbol on a gateway.
type Instrument struct {
	Name         string  `mapstructure:"name"`
	Base         string  `mapstructure:"base"`
	Quote        string  `mapstructure:"quote"`
	LotSize      float64 `mapstructure:"lot_size"`
	MinOrderSize float64 `mapstructure:"min_order_size"`
}

// Fee is the per-account trading fee.
type Fee struct {
	AccountName string  `mapstructure:"account_name"`
	AmountFee   float64 `mapstructure:"amount_fee"`
}

// Limit caps outbound request rate for a gateway.
type Limit struct {
	RPS int `mapstructure:"rps"`
}

// Gateway configures one exchange connection.
type Gateway struct {
	GatewayName string       `mapstructure:"gateway_name"`
	Exchange    string       `mapstructure:"exchange"`
	Accounts    []Account    `mapstructure:"accounts"`
	Instruments []Instrument `mapstructure:"instruments"`
	Fees        []Fee        `mapstructure:"fees"`
	Limit       Limit        `mapstructure:"limit"`
}

// Exchange names the venue a strategy trades on.
type Exchange struct {
	Name string `mapstructure:"name"`
}

// Strategy holds the tunables of a SimpleIncreaseDecrease strategy.
type Strategy struct {
	Name               string   `mapstructure:"name"`
	Description        string   `mapstructure:"description"`
	Instrument         string   `mapstructure:"instrument"`
	IncreasePercentage int      `mapstructure:"increase_percentage"`
	DecreasePercentage int      `mapstructure:"decrease_percentage"`
	Exchange           Exchange `mapstructure:"exchange"`
}

// LoadPlatform reads and validates the platform config.
func LoadPlatform(path string) (Platform, error) {
	var cfg Platform
	if err := loadTOML(path, &cfg); err != nil {
		return Platform{}, err
	}
	if len(cfg.Gateways) == 0 {
		return Platform{}, errors.New("platform config declares no gateways").With("path", path)
	}
	if len(cfg.Robots) == 0 {
		return Platform{}, errors.New("platform config declares no robots").With("path", path)
	}
	return cfg, nil
}

// LoadRobot reads and validates a robot config.
func LoadRobot(path string) (Robot, error) {
	var cfg Robot
	if err := loadTOML(path, &cfg); err != nil {
		return Robot{}, err
	}
	if cfg.Name == "" {
		return Robot{}, errors.New("robot config missing name").With("path", path)
	}
	if cfg.Gateway == "" {
		return Robot{}, errors.New("robot config missing gateway").With("path", path)
	}
	return cfg, nil
}

// LoadGateway reads and validates a gateway config. Credential fields are
// expanded against the environment.
func LoadGateway(path string) (Gateway, error) {
	var cfg Gateway
	if err := loadTOML(path, &cfg); err != nil {
		return Gateway{}, err
	}
	if cfg.GatewayName == "" {
		return Gateway{}, errors.New("gateway config missing gateway_name").With("path", path)
	}
	if cfg.Exchange == "" {
		return Gateway{}, errors.New("gateway config missing exchange").With("path", path)
	}
	for i := range cfg.Accounts {
		cfg.Accounts[i].APIKey = envSub(cfg.Accounts[i].APIKey)
		cfg.Accounts[i].SecretKey = envSub(cfg.Accounts[i].SecretKey)
	}
	return cfg, nil
}

// LoadStrategy reads a strategy config.
func LoadStrategy(path string) (Strategy, error) {
	var cfg Strategy
	if err := loadTOML(path, &cfg); err != nil {
		return Strategy{}, err
	}
	if cfg.Instrument == "" {
		return Strategy{}, errors.New("strategy config missing instrument").With("path", path)
	}
	return cfg, nil
}

func loadTOML(path string, out any) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "read config").With("path", path)
	}
	if err := v.Unmarshal(out); err != nil {
		return errors.Wrap(err, "unmarshal config").With("path", path)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

func envSub(val string) string {
	if val == "" {
		return ""
	}
	return envRef.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
