// Package config defines the daemon's configuration model and the Source
// interface through which it is loaded. The rest of the daemon depends only
// on Source, never on encoding/xml directly; FileSource is the concrete,
// swappable implementation (fsnotify watch + checksum-gated re-Load).
package config

import (
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the root of the daemon's XML configuration document.
type Config struct {
	XMLName xml.Name       `xml:"Config" yaml:"-"`
	Server  ServerConfig   `xml:"Server" yaml:"server"`
	NTP     NTPConfig      `xml:"NTP" yaml:"ntp"`
	DB      DatabaseConfig `xml:"Database" yaml:"database"`
	Groups  []GroupConfig  `xml:"ObservationSystem" yaml:"observationSystem"`
}

// ServerConfig holds the six listener ports.
type ServerConfig struct {
	Client      int `xml:"Client>Port" yaml:"client"`
	Mount       int `xml:"Mount>Port" yaml:"mount"`
	Camera      int `xml:"Camera>Port" yaml:"camera"`
	MountAnnex  int `xml:"MountAnnex>Port" yaml:"mountAnnex"`
	CameraAnnex int `xml:"CameraAnnex>Port" yaml:"cameraAnnex"`
	Environment int `xml:"Environment>Port" yaml:"environment"`
}

// NTPConfig is passed through untouched to the external NTP collaborator;
// the daemon itself never dials NTP.
type NTPConfig struct {
	Enable        bool   `xml:"Enable" yaml:"enable"`
	Host          string `xml:"Host" yaml:"host"`
	SyncOnDiffMax int    `xml:"SyncOnDiffMax" yaml:"syncOnDiffMaxMillis"`
}

// DatabaseConfig is passed through to the external HTTP upload client.
type DatabaseConfig struct {
	Enable bool   `xml:"Enable" yaml:"enable"`
	URL    string `xml:"URL" yaml:"url"`
}

// SiteConfig is one group's geographic position
type SiteConfig struct {
	Name string  `xml:"Name" yaml:"name"`
	Lon  float64 `xml:"Lon" yaml:"lon"`
	Lat  float64 `xml:"Lat" yaml:"lat"`
	Alt  float64 `xml:"Alt" yaml:"alt"`
	TZ   float64 `xml:"TZ" yaml:"tz"`
}

// SunCenterAltConfig bounds the duration classifier thresholds.
type SunCenterAltConfig struct {
	DaylightMin float64 `xml:"Daylight>Min" yaml:"daylightMin"`
	NightMax    float64 `xml:"Night>Max" yaml:"nightMax"`
}

// NormalFlowConfig enables the automatic calibration generators.
type NormalFlowConfig struct {
	BiasUse      bool `xml:"Bias>Use" yaml:"biasUse"`
	DarkUse      bool `xml:"Dark>Use" yaml:"darkUse"`
	FlatUse      bool `xml:"Flat>Use" yaml:"flatUse"`
	FrameCount   int  `xml:"Exposure>FrameCount" yaml:"exposureFrameCount"`
	DurationSecs int  `xml:"Exposure>Duration" yaml:"exposureDuration"`
}

// P2HConfig chooses, per device class, whether the federation forwards
// (true) or the OBSS owns the socket directly (false).
type P2HConfig struct {
	Mount       bool `xml:"Mount" yaml:"mount"`
	Camera      bool `xml:"Camera" yaml:"camera"`
	MountAnnex  bool `xml:"MountAnnex" yaml:"mountAnnex"`
	CameraAnnex bool `xml:"CameraAnnex" yaml:"cameraAnnex"`
}

// DomeConfig describes slit operation.
type DomeConfig struct {
	FollowMount bool   `xml:"FollowMount" yaml:"followMount"`
	Slit        bool   `xml:"Slit" yaml:"slit"`
	Operator    string `xml:"Operator" yaml:"operator"` // mount | mount-annex | camera-annex
}

// MirrorCoverConfig describes the mirror cover device.
type MirrorCoverConfig struct {
	Use      bool   `xml:"Use" yaml:"use"`
	Operator string `xml:"Operator" yaml:"operator"`
}

// MountConfig toggles optional mount capabilities.
type MountConfig struct {
	HomeSync bool `xml:"HomeSync" yaml:"homeSync"`
	Guide    bool `xml:"Guide" yaml:"guide"`
}

// AutoFocusConfig describes the autofocus device.
type AutoFocusConfig struct {
	Use      bool   `xml:"Use" yaml:"use"`
	Operator string `xml:"Operator" yaml:"operator"`
}

// EnvironmentConfig is the per-group safety threshold set consulted by the
// environment aggregator.
type EnvironmentConfig struct {
	RainfallUse              bool    `xml:"Rainfall>Use" yaml:"rainfallUse"`
	WindSpeedUse             bool    `xml:"WindSpeed>Use" yaml:"windSpeedUse"`
	WindSpeedMaxPermit       float64 `xml:"WindSpeed>MaxPermitObserve" yaml:"windSpeedMaxPermitObserve"`
	CloudCameraUse           bool    `xml:"CloudCamera>Use" yaml:"cloudCameraUse"`
	CloudCameraMaxPercent    float64 `xml:"CloudCamera>MaxPercentPermitObserve" yaml:"cloudCameraMaxPercentPermitObserve"`
}

// GroupConfig is one `ObservationSystem` block, i.e. one site/group.
type GroupConfig struct {
	GroupID       string             `xml:"GroupID" yaml:"groupId"`
	Site          SiteConfig         `xml:"Site" yaml:"site"`
	AltLimit      float64            `xml:"AltLimit" yaml:"altLimit"`
	RoboticEnable bool               `xml:"Robotic>Enable" yaml:"roboticEnable"`
	SunCenterAlt  SunCenterAltConfig `xml:"SunCenterAlt" yaml:"sunCenterAlt"`
	NormalFlow    NormalFlowConfig   `xml:"NormalFlow" yaml:"normalFlow"`
	P2H           P2HConfig          `xml:"P2H" yaml:"p2h"`
	Dome          DomeConfig         `xml:"Dome" yaml:"dome"`
	MirrorCover   MirrorCoverConfig  `xml:"MirrorCover" yaml:"mirrorCover"`
	Mount         MountConfig        `xml:"Mount" yaml:"mount"`
	SlewTolerance float64            `xml:"Slewto>Tolerance" yaml:"slewtoTolerance"`
	AutoFocus     AutoFocusConfig    `xml:"AutoFocus" yaml:"autoFocus"`
	Environment   EnvironmentConfig  `xml:"Environment" yaml:"environment"`
}

// Default returns the configuration with every documented default applied
//. Used both as the
// fallback when a section is absent and as the payload for `daemon -d`.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Client: 4010, Mount: 4011, Camera: 4012,
			MountAnnex: 4013, CameraAnnex: 4014, Environment: 4015,
		},
		NTP: NTPConfig{Enable: false, SyncOnDiffMax: 1000},
		DB:  DatabaseConfig{Enable: false},
		Groups: []GroupConfig{
			{
				GroupID:      "001",
				AltLimit:     15,
				SunCenterAlt: SunCenterAltConfig{DaylightMin: -6, NightMax: -12},
				NormalFlow:   NormalFlowConfig{FrameCount: 10, DurationSecs: 10},
				Dome:         DomeConfig{Operator: "mount"},
			},
		},
	}
}

func clampGroupDefaults(c *Config) {
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.SunCenterAlt.DaylightMin < -10 {
			g.SunCenterAlt.DaylightMin = -10
		}
		if g.SunCenterAlt.DaylightMin > 0 {
			g.SunCenterAlt.DaylightMin = 0
		}
		if g.SunCenterAlt.NightMax < -18 {
			g.SunCenterAlt.NightMax = -18
		}
		if g.SunCenterAlt.NightMax > -10 {
			g.SunCenterAlt.NightMax = -10
		}
	}
}

// Source loads a Config and optionally watches for changes.
type Source interface {
	Load() (*Config, error)
	// Watch invokes fn with every reloaded Config until stop is called.
	Watch(fn func(*Config)) (stop func(), err error)
}

// FileSource is an XML-file-backed Source with fsnotify hot reload and a
// SHA-256 checksum gate against redundant reloads.
type FileSource struct {
	Path string

	mu       sync.Mutex
	lastSum  [32]byte
	hasSum   bool
}

// NewFileSource builds a Source reading XML from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load reads and parses the XML file, filling unset sections with defaults.
func (f *FileSource) Load() (*Config, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", f.Path, err)
	}
	cfg := Default()
	// encoding/xml appends repeated elements to a slice, so the default
	// group is set aside and only used when the file declares none.
	defaultGroups := cfg.Groups
	cfg.Groups = nil
	if err := xml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", f.Path, err)
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = defaultGroups
	}
	clampGroupDefaults(cfg)
	return cfg, nil
}

// Watch starts an fsnotify watch on the file itself and re-Loads on every
// write or create event whose content checksum differs from the one seen at
// the previous event, pushing the new Config to fn when it parses. The returned stop function closes the
// watcher and stops the goroutine.
func (f *FileSource) Watch(fn func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := watcher.Add(f.Path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", f.Path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				f.maybeReload(fn)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}

// WriteDefault renders Default() as indented XML, the payload for `daemon
// -d`.
func WriteDefault(w io.Writer) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("config: render default: %w", err)
	}
	return enc.Flush()
}

// WriteDefaultYAML renders Default() as YAML, a diff-friendly secondary
// dump alongside the canonical XML for operators
// comparing config revisions.
func WriteDefaultYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("config: render default yaml: %w", err)
	}
	return nil
}

func (f *FileSource) maybeReload(fn func(*Config)) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return
	}
	sum := sha256.Sum256(raw)

	f.mu.Lock()
	unchanged := f.hasSum && sum == f.lastSum
	f.lastSum = sum
	f.hasSum = true
	f.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := f.Load()
	if err != nil {
		return
	}
	fn(cfg)
}
