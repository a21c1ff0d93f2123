package predictor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/foresight/snapshot"
)

// Config tunes the predictor. Zero values are replaced by defaults.
type Config struct {
	// MinConfidence is the emission floor. Default: 0.5.
	MinConfidence float64 `yaml:"min_confidence"`
	// HoverHighConfidence marks hover predictions as high priority. Default: 0.75.
	HoverHighConfidence float64 `yaml:"hover_high_confidence"`
	// IntersectionHighConfidence marks intersection predictions as high priority. Default: 0.75.
	IntersectionHighConfidence float64 `yaml:"intersection_high_confidence"`
	// FocusConfidence is the fixed confidence of tab-order predictions. Default: 0.9.
	FocusConfidence float64 `yaml:"focus_confidence"`

	// LeadTimeMin and LeadTimeMax clamp estimated lead times. Defaults: 50ms, 1s.
	LeadTimeMin time.Duration `yaml:"lead_time_min"`
	LeadTimeMax time.Duration `yaml:"lead_time_max"`

	// MaxAngle is the largest heading deviation (degrees) for a hover candidate. Default: 30.
	MaxAngle float64 `yaml:"max_angle"`
	// MinVelocity is the slowest pointer speed (px/ms) that counts as an approach. Default: 0.1.
	MinVelocity float64 `yaml:"min_velocity"`
	// MaxDistance bounds hover candidates (px). Default: 800.
	MaxDistance float64 `yaml:"max_distance"`
	// MinScrollVelocity is the slowest scroll speed (px/ms) projected forward. Default: 0.05.
	MinScrollVelocity float64 `yaml:"min_scroll_velocity"`
	// Lookahead is the scroll projection horizon. Default: 600ms.
	Lookahead time.Duration `yaml:"lookahead"`
	// TabRecency is how long after a Tab press a focus change still counts
	// as keyboard navigation. Default: 1.5s.
	TabRecency time.Duration `yaml:"tab_recency"`

	// MaxOutstanding predictions per element and kind within Window. Defaults: 1, 1s.
	MaxOutstanding int           `yaml:"max_outstanding"`
	Window         time.Duration `yaml:"window"`

	// Rolling buffer capacities. Defaults: 20, 10, 8.
	PointerBuffer int `yaml:"pointer_buffer"`
	ScrollBuffer  int `yaml:"scroll_buffer"`
	KeyBuffer     int `yaml:"key_buffer"`

	// Debug logs every candidate evaluation.
	Debug bool `yaml:"debug"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.HoverHighConfidence <= 0 {
		c.HoverHighConfidence = 0.75
	}
	if c.IntersectionHighConfidence <= 0 {
		c.IntersectionHighConfidence = 0.75
	}
	if c.FocusConfidence <= 0 {
		c.FocusConfidence = 0.9
	}
	if c.LeadTimeMin <= 0 {
		c.LeadTimeMin = 50 * time.Millisecond
	}
	if c.LeadTimeMax <= 0 {
		c.LeadTimeMax = time.Second
	}
	if c.MaxAngle <= 0 {
		c.MaxAngle = 30
	}
	if c.MinVelocity <= 0 {
		c.MinVelocity = 0.1
	}
	if c.MaxDistance <= 0 {
		c.MaxDistance = 800
	}
	if c.MinScrollVelocity <= 0 {
		c.MinScrollVelocity = 0.05
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 600 * time.Millisecond
	}
	if c.TabRecency <= 0 {
		c.TabRecency = 1500 * time.Millisecond
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = 1
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.PointerBuffer <= 0 {
		c.PointerBuffer = 20
	}
	if c.ScrollBuffer <= 0 {
		c.ScrollBuffer = 10
	}
	if c.KeyBuffer <= 0 {
		c.KeyBuffer = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.defaults()
	if c.MinConfidence > 1 || c.FocusConfidence > 1 {
		return fmt.Errorf("predictor: confidences must be within [0,1]")
	}
	if c.LeadTimeMin > c.LeadTimeMax {
		return fmt.Errorf("predictor: lead_time_min %s exceeds lead_time_max %s", c.LeadTimeMin, c.LeadTimeMax)
	}
	if c.MaxAngle >= 180 {
		return fmt.Errorf("predictor: max_angle %.1f must be below 180", c.MaxAngle)
	}
	if c.PointerBuffer < 2 || c.ScrollBuffer < 2 {
		return fmt.Errorf("predictor: pointer and scroll buffers need at least 2 samples")
	}
	return nil
}

// highThreshold is the high-priority threshold of a kind.
func (c *Config) highThreshold(k snapshot.Kind) float64 {
	switch k {
	case snapshot.KindHover:
		return c.HoverHighConfidence
	case snapshot.KindIntersection:
		return c.IntersectionHighConfidence
	}
	return c.FocusConfidence
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
