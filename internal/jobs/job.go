package jobs

import (
	"fmt"
	"strconv"
	"strings"
)

// Image is one file written at a fixed flash offset.
type Image struct {
	Name   string
	Offset uint32
	Path   string
}

// FlashTarget holds the chip and flash geometry passed to the tool.
type FlashTarget struct {
	Chip      string
	Baud      int
	FlashMode string
	FlashFreq string
	FlashSize string
	Before    string // reset mode before flashing, empty = tool default
	After     string // reset mode after flashing, empty = tool default
	Compress  bool
}

// FlashConfig is everything a FlashJob needs besides the port.
type FlashConfig struct {
	Target FlashTarget
	Images []Image // written in this order
}

// FlashJob describes the work for one serial port. Index is the position of
// the port in discovery order and selects the progress row.
type FlashJob struct {
	Port   string
	Index  int
	Target FlashTarget
	Images []Image
}

// Validate checks the configuration before any process is started.
// Image contents are never inspected.
func (c FlashConfig) Validate() error {
	if strings.TrimSpace(c.Target.Chip) == "" {
		return fmt.Errorf("chip type is required")
	}
	if c.Target.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Target.Baud)
	}
	if len(c.Images) == 0 {
		return fmt.Errorf("at least one image is required")
	}

	offsets := make(map[uint32]string, len(c.Images))
	for _, img := range c.Images {
		if strings.TrimSpace(img.Path) == "" {
			return fmt.Errorf("image at %s has no path", FormatOffset(img.Offset))
		}
		if prev, exists := offsets[img.Offset]; exists {
			return fmt.Errorf("images %s and %s share offset %s", prev, img.Path, FormatOffset(img.Offset))
		}
		offsets[img.Offset] = img.Path
	}
	return nil
}

// BuildJobs creates one job per port, indexed in the given order.
func BuildJobs(ports []string, cfg FlashConfig) []FlashJob {
	jobs := make([]FlashJob, 0, len(ports))
	for i, port := range ports {
		images := make([]Image, len(cfg.Images))
		copy(images, cfg.Images)
		jobs = append(jobs, FlashJob{
			Port:   port,
			Index:  i,
			Target: cfg.Target,
			Images: images,
		})
	}
	return jobs
}

// FormatOffset renders an offset the way esptool examples write them
// (0x0000, 0x8000, 0xe000, 0x10000).
func FormatOffset(offset uint32) string {
	return fmt.Sprintf("0x%04x", offset)
}

// ParseOffset accepts decimal, 0x-prefixed hex and 0o/0b forms.
func ParseOffset(s string) (uint32, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid flash offset %q: %w", s, err)
	}
	return uint32(value), nil
}
