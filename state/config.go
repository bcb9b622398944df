package state

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/series"
	tele_config "github.com/power-desk/powerdesk/tele/config"
)

const DefaultHTTPListen = "127.0.0.1:8080"

var DefaultChannels = []int{0, 3}

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	MQTT   tele_config.MQTT   `hcl:"mqtt"`
	Events tele_config.Events `hcl:"events"`

	Series struct {
		Capacity   int `hcl:"capacity"`
		CoalesceMs int `hcl:"coalesce_ms"`
	} `hcl:"series"`

	HTTP struct {
		Enabled bool   `hcl:"enable"`
		Listen  string `hcl:"listen"`
	} `hcl:"http"`

	Registry struct {
		Strict bool `hcl:"strict"`
	} `hcl:"registry"`

	Devices []DeviceConfig `hcl:"device"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type DeviceConfig struct {
	Name     string `hcl:"name,key"`
	Channels []int  `hcl:"channels"`
}

// SeriesOptions applies config over package defaults.
func (c *Config) SeriesOptions() series.Options {
	return series.Options{
		Capacity: c.Series.Capacity,
		Window:   helpers.IntMillisecondDefault(c.Series.CoalesceMs, series.DefaultWindow),
	}
}

func (c *Config) HTTPListen() string {
	if c.HTTP.Listen == "" {
		return DefaultHTTPListen
	}
	return c.HTTP.Listen
}

// Device returns config of named device, later declaration wins.
// Unknown device gets default channels.
func (c *Config) Device(name string) DeviceConfig {
	for i := len(c.Devices) - 1; i >= 0; i-- {
		if d := c.Devices[i]; d.Name == name {
			if len(d.Channels) == 0 {
				d.Channels = DefaultChannels
			}
			return d
		}
	}
	return DeviceConfig{Name: name, Channels: DefaultChannels}
}

// DeviceNames lists configured devices sorted, without duplicates.
func (c *Config) DeviceNames() []string {
	seen := make(map[string]struct{}, len(c.Devices))
	names := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		if _, ok := seen[d.Name]; !ok {
			seen[d.Name] = struct{}{}
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	errs = append(errs, c.MQTT.Validate(), c.Events.Validate())
	if c.Series.Capacity < 0 {
		errs = append(errs, errors.NotValidf("series capacity=%d", c.Series.Capacity))
	}
	if c.Series.CoalesceMs < 0 {
		errs = append(errs, errors.NotValidf("series coalesce_ms=%d", c.Series.CoalesceMs))
	}
	for _, d := range c.Devices {
		if d.Name == "" {
			errs = append(errs, errors.NotValidf("device with empty name"))
		}
		for _, ch := range d.Channels {
			if ch < 0 {
				errs = append(errs, errors.NotValidf("device=%s channel=%d", d.Name, ch))
			}
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = append(errs, c.Validate())
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
