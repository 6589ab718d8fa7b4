package fingerprint

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TextBox is the measured size of a rendered string.
type TextBox struct {
	Width, Height int
}

// Environment exposes the host characteristics the generator samples.
type Environment interface {
	UserAgent() string
	Language() string
	Platform() string
	Screen() (width, height int)
	Location() *time.Location
	// GPU returns the unmasked vendor and renderer of the graphics device.
	GPU() (vendor, renderer string, err error)
	// MeasureText renders text with the first available face of a comma-separated
	// family list and returns its bounding box.
	MeasureText(families, text string) TextBox
	Plugins() []string
}

// ErrNoGPU is returned by GPU when no device is visible.
var ErrNoGPU = errors.New("no graphics device")

// HostEnvironment describes the local machine for a command-line client. FontDirs
// are scanned once, on the first MeasureText call.
type HostEnvironment struct {
	Agent      string
	PluginDirs []string
	FontDirs   []string
	DRMRoot    string
	Getenv     func(string) string

	fontsOnce sync.Once
	fonts     map[string]int64
}

// NewHostEnvironment returns a HostEnvironment with the usual Linux font and DRM
// locations.
func NewHostEnvironment(userAgent string, pluginDirs []string) *HostEnvironment {
	home, _ := os.UserHomeDir()
	fontDirs := []string{"/usr/share/fonts", "/usr/local/share/fonts"}
	if home != "" {
		fontDirs = append(fontDirs, filepath.Join(home, ".local", "share", "fonts"), filepath.Join(home, ".fonts"))
	}
	return &HostEnvironment{
		Agent:      userAgent,
		PluginDirs: pluginDirs,
		FontDirs:   fontDirs,
		DRMRoot:    "/sys/class/drm",
		Getenv:     os.Getenv,
	}
}

func (h *HostEnvironment) getenv(k string) string {
	if h.Getenv == nil {
		return os.Getenv(k)
	}
	return h.Getenv(k)
}

// UserAgent implements Environment.
func (h *HostEnvironment) UserAgent() string { return h.Agent }

// Language returns the locale from LANG, e.g. "pt-BR" for pt_BR.UTF-8.
func (h *HostEnvironment) Language() string {
	lang := h.getenv("LANG")
	if i := strings.IndexByte(lang, '.'); i >= 0 {
		lang = lang[:i]
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return "en-US"
	}
	return strings.ReplaceAll(lang, "_", "-")
}

// Platform implements Environment.
func (h *HostEnvironment) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

// Screen reports the terminal size in cells from COLUMNS and LINES (80x24 when unset).
func (h *HostEnvironment) Screen() (int, int) {
	return atoiOr(h.getenv("COLUMNS"), 80), atoiOr(h.getenv("LINES"), 24)
}

// Location implements Environment.
func (h *HostEnvironment) Location() *time.Location { return time.Local }

// GPU reads the PCI vendor and device IDs of the first DRM card.
func (h *HostEnvironment) GPU() (string, string, error) {
	cards, _ := filepath.Glob(filepath.Join(h.DRMRoot, "card[0-9]*"))
	sort.Strings(cards)
	for _, card := range cards {
		if strings.Contains(filepath.Base(card), "-") {
			continue // connector, e.g. card0-HDMI-A-1
		}
		vendor, err := os.ReadFile(filepath.Join(card, "device", "vendor"))
		if err != nil {
			continue
		}
		device, _ := os.ReadFile(filepath.Join(card, "device", "device"))
		return strings.TrimSpace(string(vendor)), strings.TrimSpace(string(device)), nil
	}
	return "", "", ErrNoGPU
}

// MeasureText approximates the glyph box of text. Generic families have fixed
// advances; installed families get a width scaled by their font file size.
func (h *HostEnvironment) MeasureText(families, text string) TextBox {
	n := len([]rune(text))
	for _, fam := range strings.Split(families, ",") {
		fam = strings.TrimSpace(fam)
		if adv, ok := genericAdvance[fam]; ok {
			return TextBox{Width: n * adv, Height: 18}
		}
		if size, ok := h.fontFileSize(fam); ok {
			return TextBox{Width: n * (11 + int(size%7)), Height: 18 + int(size%3)}
		}
	}
	return TextBox{Width: n * genericAdvance["serif"], Height: 18}
}

var genericAdvance = map[string]int{"monospace": 10, "sans-serif": 9, "serif": 8}

func (h *HostEnvironment) fontFileSize(family string) (int64, bool) {
	h.fontsOnce.Do(h.indexFonts)
	size, ok := h.fonts[normalizeFamily(family)]
	return size, ok
}

// indexFonts maps each normalized family to the size of its first font file, in
// FontDirs order and lexical order within a directory.
func (h *HostEnvironment) indexFonts() {
	h.fonts = map[string]int64{}
	for _, dir := range h.FontDirs {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
			fam := normalizeFamily(strings.SplitN(name, "-", 2)[0])
			if _, seen := h.fonts[fam]; seen {
				return nil
			}
			if info, err := d.Info(); err == nil && info.Size() > 0 {
				h.fonts[fam] = info.Size()
			}
			return nil
		})
	}
}

// Plugins lists the entries of the configured plugin directories.
func (h *HostEnvironment) Plugins() []string {
	var out []string
	for _, dir := range h.PluginDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func normalizeFamily(s string) string {
	return strings.ToLower(strings.NewReplacer(" ", "", "_", "").Replace(s))
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
