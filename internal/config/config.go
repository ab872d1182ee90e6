package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"cloudpico-node/internal/link"
)

const (
	LinkUDP  = "udp"
	LinkMQTT = "mqtt"
	LinkBLE  = "ble"

	SensorSHT31  = "sht31"
	SensorBME280 = "bme280"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	// LogFile, when set, receives a rotated copy of the log stream.
	LogFile string

	NodeID         uint8
	Channel        uint8
	SendInterval   time.Duration
	TempOffset     float32
	HumidityOffset float32

	I2CBus        string
	I2CSpeedHz    int64
	SensorModel   string
	SensorAddress uint16

	Link           string
	LinkListenAddr string
	BLELocalName   string
	Peers          []link.Peer

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	OTAHostname string
	OTAPassword string
	OTAAddr     string
	OTADir      string

	LoopPeriod     time.Duration
	StatusInterval time.Duration

	ReceiverMAC     link.MAC
	DedupTTL        time.Duration
	ReceiverDBPath  string
	ReceiverPublish bool

	// ReceiverHTTPAddr enables the receiver's read API when non-empty.
	ReceiverHTTPAddr string
}

type peersFile struct {
	Peers []link.Peer `yaml:"peers"`
}

// LoadFromEnv reads the configuration from the environment. A .env file in the
// working directory (or ENV_FILE) is loaded first; variables already set win.
func LoadFromEnv() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	appEnv := getenv("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	nodeIDStr := getenv("NODE_ID", "1")
	nodeID, err := strconv.ParseUint(nodeIDStr, 0, 8)
	if err != nil {
		return Config{}, fmt.Errorf("invalid NODE_ID %q: %w", nodeIDStr, err)
	}

	channelStr := getenv("ESPNOW_CHANNEL", "1")
	channel, err := strconv.ParseUint(channelStr, 10, 8)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ESPNOW_CHANNEL %q: %w", channelStr, err)
	}
	if err := link.ValidateChannel(uint8(channel)); err != nil {
		return Config{}, fmt.Errorf("ESPNOW_CHANNEL: %w", err)
	}

	sendInterval, err := parsePositiveDuration("SEND_INTERVAL", "1s")
	if err != nil {
		return Config{}, err
	}
	if sendInterval < time.Millisecond || sendInterval.Milliseconds() > int64(^uint32(0)) {
		return Config{}, fmt.Errorf("SEND_INTERVAL %v out of range (1ms-%dms)", sendInterval, ^uint32(0))
	}

	tempOffset, err := parseFloat32("TEMP_OFFSET_C", "-4.0")
	if err != nil {
		return Config{}, err
	}
	rhOffset, err := parseFloat32("RH_OFFSET_PCT", "15.0")
	if err != nil {
		return Config{}, err
	}

	i2cSpeedStr := getenv("I2C_SPEED_HZ", "100000")
	i2cSpeed, err := strconv.ParseInt(i2cSpeedStr, 10, 64)
	if err != nil || i2cSpeed <= 0 {
		return Config{}, fmt.Errorf("invalid I2C_SPEED_HZ %q", i2cSpeedStr)
	}

	sensorModel := strings.ToLower(getenv("SENSOR_MODEL", SensorSHT31))
	switch sensorModel {
	case SensorSHT31, SensorBME280:
	default:
		return Config{}, fmt.Errorf("invalid SENSOR_MODEL %q (allowed: %s, %s)", sensorModel, SensorSHT31, SensorBME280)
	}

	defaultAddr := "0x44"
	if sensorModel == SensorBME280 {
		defaultAddr = "0x76"
	}
	sensorAddrStr := getenv("SENSOR_ADDRESS", defaultAddr)
	sensorAddr, err := strconv.ParseUint(sensorAddrStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENSOR_ADDRESS %q: %w", sensorAddrStr, err)
	}

	linkKind := strings.ToLower(getenv("LINK", LinkUDP))
	switch linkKind {
	case LinkUDP, LinkMQTT, LinkBLE:
	default:
		return Config{}, fmt.Errorf("invalid LINK %q (allowed: %s, %s, %s)", linkKind, LinkUDP, LinkMQTT, LinkBLE)
	}

	peers, err := loadPeers()
	if err != nil {
		return Config{}, err
	}
	if linkKind == LinkUDP {
		for _, p := range peers {
			if p.Endpoint == "" && !p.MAC.IsZero() {
				return Config{}, fmt.Errorf("peer %s: endpoint is required for LINK=udp", p.MAC)
			}
		}
	}

	mqttPortStr := getenv("MQTT_PORT", "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}

	loopPeriod, err := parsePositiveDuration("LOOP_PERIOD", "10ms")
	if err != nil {
		return Config{}, err
	}
	statusInterval, err := parsePositiveDuration("STATUS_INTERVAL", "1m")
	if err != nil {
		return Config{}, err
	}
	dedupTTL, err := parsePositiveDuration("DEDUP_TTL", "1m")
	if err != nil {
		return Config{}, err
	}

	var receiverMAC link.MAC
	if s := getenv("RECEIVER_MAC", ""); s != "" {
		receiverMAC, err = link.ParseMAC(s)
		if err != nil {
			return Config{}, fmt.Errorf("RECEIVER_MAC: %w", err)
		}
	}

	receiverPublishStr := getenv("RECEIVER_PUBLISH", "false")
	receiverPublish, err := strconv.ParseBool(receiverPublishStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid RECEIVER_PUBLISH %q: %w", receiverPublishStr, err)
	}

	return Config{
		AppEnv:          appEnv,
		LogLevel:        level,
		LogFile:         getenv("LOG_FILE", ""),
		NodeID:          uint8(nodeID),
		Channel:         uint8(channel),
		SendInterval:    sendInterval,
		TempOffset:      tempOffset,
		HumidityOffset:  rhOffset,
		I2CBus:          getenv("I2C_BUS", ""),
		I2CSpeedHz:      i2cSpeed,
		SensorModel:     sensorModel,
		SensorAddress:   uint16(sensorAddr),
		Link:            linkKind,
		LinkListenAddr:  getenv("LINK_LISTEN_ADDR", ":4210"),
		BLELocalName:    getenv("BLE_LOCAL_NAME", "cloudpico-node"),
		Peers:           peers,
		MQTTBroker:      getenv("MQTT_BROKER", "localhost"),
		MQTTPort:        mqttPort,
		MQTTClientID:    getenv("MQTT_CLIENT_ID", "cloudpico-node"),
		MQTTUsername:    getenv("MQTT_USERNAME", ""),
		MQTTPassword:    getenv("MQTT_PASSWORD", ""),
		OTAHostname:     getenv("OTA_HOSTNAME", "esp32c3-telemetry-node"),
		OTAPassword:     getenv("OTA_PASSWORD", ""),
		OTAAddr:         getenv("OTA_ADDR", ":3232"),
		OTADir:          getenv("OTA_DIR", "ota"),
		LoopPeriod:      loopPeriod,
		StatusInterval:  statusInterval,
		ReceiverMAC:     receiverMAC,
		DedupTTL:        dedupTTL,
		ReceiverDBPath:  getenv("RECEIVER_DB_PATH", ""),
		ReceiverPublish: receiverPublish,

		ReceiverHTTPAddr: getenv("RECEIVER_HTTP_ADDR", ""),
	}, nil
}

// SendIntervalMillis is the interval on the node's wrapping millisecond clock.
func (c Config) SendIntervalMillis() uint32 {
	return uint32(c.SendInterval.Milliseconds())
}

// loadPeers reads PEERS_FILE (YAML) or PEERS ("MAC[@host:port],...").
func loadPeers() ([]link.Peer, error) {
	if path := getenv("PEERS_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("PEERS_FILE %q: %w", path, err)
		}
		var pf peersFile
		if err := yaml.UnmarshalStrict(data, &pf); err != nil {
			return nil, fmt.Errorf("PEERS_FILE %q: %w", path, err)
		}
		return pf.Peers, nil
	}
	return ParsePeers(getenv("PEERS", ""))
}

// ParsePeers parses a comma separated list of MAC[@endpoint] entries.
// An all-zero MAC is kept; it is rejected later at registration.
func ParsePeers(s string) ([]link.Peer, error) {
	var peers []link.Peer
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		macStr, endpoint, _ := strings.Cut(entry, "@")
		mac, err := link.ParseMAC(macStr)
		if err != nil {
			return nil, fmt.Errorf("PEERS: %w", err)
		}
		peers = append(peers, link.Peer{MAC: mac, Endpoint: strings.TrimSpace(endpoint)})
	}
	return peers, nil
}

func loadDotEnv() error {
	path := getenv("ENV_FILE", ".env")
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	s := getenv(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseFloat32(key, def string) (float32, error) {
	s := getenv(key, def)
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid %s %q: must be a finite number", key, s)
	}
	return float32(f), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
