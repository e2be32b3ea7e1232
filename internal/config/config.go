package config

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ark-network/escrowd/internal/core/application"
	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	"github.com/ark-network/escrowd/internal/infrastructure/compiler/tapscript"
	"github.com/ark-network/escrowd/internal/infrastructure/db"
	watermilleventbus "github.com/ark-network/escrowd/internal/infrastructure/event-bus/watermill"
	inmemoryledger "github.com/ark-network/escrowd/internal/infrastructure/ledger/inmemory"
	prometheusmetrics "github.com/ark-network/escrowd/internal/infrastructure/metrics/prometheus"
	timescheduler "github.com/ark-network/escrowd/internal/infrastructure/scheduler/gocron"
	"github.com/ark-network/escrowd/internal/infrastructure/signer/singlekey"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var (
	supportedDbs = supportedType{
		"badger": {},
		"sqlite": {},
	}
	supportedSchedulers = supportedType{
		"gocron": {},
	}
	supportedLedgers = supportedType{
		"inmemory": {},
	}
	supportedVariants = supportedType{
		string(domain.SingleKeyEscrow): {},
		string(domain.TwoKeyEscrow):    {},
	}
)

type Config struct {
	Datadir  string
	Port     uint32
	LogLevel int

	DbType        string
	DbDir         string
	SchedulerType string
	LedgerType    string

	EscrowVariant     string
	AccountId         string
	AssetId           string
	AssetAlias        string
	AddressPrefix     string
	PrivateKey        string `json:"-"`
	ExpiryMargin      time.Duration
	MessageAmount     uint64
	TransferRetention time.Duration
	InitialBalance    uint64

	repo      ports.RepoManager
	svc       application.Service
	ledger    ports.LedgerClient
	compiler  ports.ContractCompiler
	signer    ports.Signer
	scheduler ports.SchedulerService
	eventBus  ports.EventBus
	metrics   ports.Metrics
	registry  *prometheus.Registry
}

func (c *Config) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	Datadir           = "DATADIR"
	Port              = "PORT"
	LogLevel          = "LOG_LEVEL"
	DbType            = "DB_TYPE"
	SchedulerType     = "SCHEDULER_TYPE"
	LedgerType        = "LEDGER_TYPE"
	EscrowVariant     = "ESCROW_VARIANT"
	AccountId         = "ACCOUNT_ID"
	AssetId           = "ASSET_ID"
	AssetAlias        = "ASSET_ALIAS"
	AddressPrefix     = "ADDRESS_PREFIX"
	PrivateKey        = "PRIVATE_KEY"
	ExpiryMargin      = "EXPIRY_MARGIN"
	MessageAmount     = "MESSAGE_AMOUNT"
	TransferRetention = "TRANSFER_RETENTION"
	InitialBalance    = "INITIAL_BALANCE"

	defaultDatadir           = btcutil.AppDataDir("escrowd", false)
	DefaultPort              = 7080
	defaultLogLevel          = 4
	defaultDbType            = "badger"
	defaultSchedulerType     = "gocron"
	defaultLedgerType        = "inmemory"
	defaultEscrowVariant     = string(domain.SingleKeyEscrow)
	defaultAccountId         = "escrowd"
	defaultAssetId           = "usd"
	defaultAssetAlias        = "USD"
	defaultAddressPrefix     = "private."
	defaultExpiryMargin      = 1 // seconds
	defaultMessageAmount     = 1
	defaultTransferRetention = 0 // keep forever
)

func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("ESCROWD")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(Port, DefaultPort)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(DbType, defaultDbType)
	viper.SetDefault(SchedulerType, defaultSchedulerType)
	viper.SetDefault(LedgerType, defaultLedgerType)
	viper.SetDefault(EscrowVariant, defaultEscrowVariant)
	viper.SetDefault(AccountId, defaultAccountId)
	viper.SetDefault(AssetId, defaultAssetId)
	viper.SetDefault(AssetAlias, defaultAssetAlias)
	viper.SetDefault(AddressPrefix, defaultAddressPrefix)
	viper.SetDefault(ExpiryMargin, defaultExpiryMargin)
	viper.SetDefault(MessageAmount, defaultMessageAmount)
	viper.SetDefault(TransferRetention, defaultTransferRetention)

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	dbPath := filepath.Join(viper.GetString(Datadir), "db")

	return &Config{
		Datadir:           viper.GetString(Datadir),
		Port:              viper.GetUint32(Port),
		LogLevel:          viper.GetInt(LogLevel),
		DbType:            viper.GetString(DbType),
		DbDir:             dbPath,
		SchedulerType:     viper.GetString(SchedulerType),
		LedgerType:        viper.GetString(LedgerType),
		EscrowVariant:     viper.GetString(EscrowVariant),
		AccountId:         viper.GetString(AccountId),
		AssetId:           viper.GetString(AssetId),
		AssetAlias:        viper.GetString(AssetAlias),
		AddressPrefix:     viper.GetString(AddressPrefix),
		PrivateKey:        viper.GetString(PrivateKey),
		ExpiryMargin:      time.Duration(viper.GetInt64(ExpiryMargin)) * time.Second,
		MessageAmount:     viper.GetUint64(MessageAmount),
		TransferRetention: time.Duration(viper.GetInt64(TransferRetention)) * time.Second,
		InitialBalance:    viper.GetUint64(InitialBalance),
	}, nil
}

func initDatadir() error {
	datadir := viper.GetString(Datadir)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedSchedulers.supports(c.SchedulerType) {
		return fmt.Errorf("scheduler type not supported, please select one of: %s", supportedSchedulers)
	}
	if !supportedLedgers.supports(c.LedgerType) {
		return fmt.Errorf("ledger type not supported, please select one of: %s", supportedLedgers)
	}
	if !supportedVariants.supports(c.EscrowVariant) {
		return fmt.Errorf("escrow variant not supported, please select one of: %s", supportedVariants)
	}
	if len(c.AccountId) <= 0 {
		return fmt.Errorf("missing account id")
	}
	if len(c.AssetId) <= 0 {
		return fmt.Errorf("missing asset id")
	}
	if strings.Contains(c.AssetId, ".") {
		return fmt.Errorf("asset id must not contain '.'")
	}
	if len(c.PrivateKey) > 0 {
		if _, err := hex.DecodeString(c.PrivateKey); err != nil {
			return fmt.Errorf("invalid private key, must be hex encoded")
		}
	}
	if c.ExpiryMargin < 0 {
		return fmt.Errorf("invalid expiry margin, must not be negative")
	}
	if c.MessageAmount == 0 {
		return fmt.Errorf("message amount must be greater than 0")
	}
	if c.TransferRetention < 0 {
		return fmt.Errorf("invalid transfer retention, must not be negative")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.ledgerService(); err != nil {
		return err
	}
	if err := c.signerService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.eventBusService(); err != nil {
		return err
	}
	if err := c.metricsService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

// MetricsRegistry is the registry the plugin counters are registered with.
func (c *Config) MetricsRegistry() *prometheus.Registry {
	return c.registry
}

// Close releases the adapters opened by Validate.
func (c *Config) Close() {
	if c.eventBus != nil {
		c.eventBus.Close()
	}
	if c.ledger != nil {
		c.ledger.Close()
	}
	if c.repo != nil {
		c.repo.Close()
	}
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	logger := log.New()
	logger.SetLevel(log.Level(c.LogLevel))

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) ledgerService() error {
	c.compiler = tapscript.NewCompiler()

	switch c.LedgerType {
	case "inmemory":
		ledger := inmemoryledger.NewLedger(c.compiler)
		if c.InitialBalance > 0 {
			if _, err := ledger.Fund(
				context.Background(), c.AccountId, c.AssetId, c.InitialBalance,
			); err != nil {
				return fmt.Errorf("failed to fund account: %s", err)
			}
			log.Infof("funded account %s with %d %s", c.AccountId, c.InitialBalance, c.AssetAlias)
		}
		c.ledger = ledger
	default:
		return fmt.Errorf("unknown ledger type")
	}
	return nil
}

func (c *Config) signerService() error {
	svc, err := singlekey.NewSigner(c.PrivateKey)
	if err != nil {
		return err
	}
	c.signer = svc
	return nil
}

func (c *Config) schedulerService() error {
	var svc ports.SchedulerService
	var err error
	switch c.SchedulerType {
	case "gocron":
		svc = timescheduler.NewScheduler()
	default:
		err = fmt.Errorf("unknown scheduler type")
	}
	if err != nil {
		return err
	}

	c.scheduler = svc
	return nil
}

func (c *Config) eventBusService() error {
	c.eventBus = watermilleventbus.NewEventBus()
	return nil
}

func (c *Config) metricsService() error {
	registry := prometheus.NewRegistry()
	svc, err := prometheusmetrics.NewMetrics(registry)
	if err != nil {
		return err
	}
	c.registry = registry
	c.metrics = svc
	return nil
}

func (c *Config) appService() error {
	svc, err := application.NewService(
		application.Config{
			AccountId:         c.AccountId,
			AssetId:           c.AssetId,
			AssetAlias:        c.AssetAlias,
			AddressPrefix:     c.AddressPrefix,
			Variant:           domain.EscrowVariant(c.EscrowVariant),
			ExpiryMargin:      c.ExpiryMargin,
			MessageAmount:     c.MessageAmount,
			TransferRetention: c.TransferRetention,
		},
		c.ledger, c.compiler, c.signer, c.scheduler, c.repo, c.eventBus, c.metrics,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
