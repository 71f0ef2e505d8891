package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	db "libos/debug"
)

const (
	LIBOS_CONFIG = "LIBOS_CONFIG"
	KEY_LEN      = 16
)

var defaults = `
loader:
  stack_size: 32 MiB
  stack_align_margin: 16
  syscall_symbol: rusgx_syscall
  image_cache_size: 16

threads:
  max: 64

sealfs:
  key: "00000000000000000000000000000000"
  readahead_buffers: 4
  readahead_buffer_size: 256 KiB
`

type params struct {
	Loader struct {
		STACK_SIZE         string `yaml:"stack_size"`
		STACK_ALIGN_MARGIN uint64 `yaml:"stack_align_margin"`
		SYSCALL_SYMBOL     string `yaml:"syscall_symbol"`
		IMAGE_CACHE_SIZE   int    `yaml:"image_cache_size"`
	} `yaml:"loader"`
	Threads struct {
		MAX int64 `yaml:"max"`
	} `yaml:"threads"`
	Sealfs struct {
		KEY                   string `yaml:"key"`
		READAHEAD_BUFFERS     int    `yaml:"readahead_buffers"`
		READAHEAD_BUFFER_SIZE string `yaml:"readahead_buffer_size"`
	} `yaml:"sealfs"`
}

// Config holds the decoded parameters of the process core.
type Config struct {
	// Size of every process's stack region.
	StackSize uint64
	// Bytes kept free below the top of the stack.
	StackAlignMargin uint64
	// Dynamic symbol whose relocations are patched to the syscall
	// dispatcher.
	SyscallSymbol string
	// Number of decoded images kept by the loader.
	ImageCacheSize int
	// Number of execution threads the host may dedicate to processes.
	MaxThreads int64
	// Key used to open sealed images.
	Key [KEY_LEN]byte
	// Read-ahead configuration for sealed image reads.
	ReadaheadBuffers    int
	ReadaheadBufferSize int
}

func (cfg *Config) String() string {
	return fmt.Sprintf("&{ stack:%v margin:%v sym:%v cache:%v threads:%v ra:%vx%v }",
		humanize.IBytes(cfg.StackSize), cfg.StackAlignMargin, cfg.SyscallSymbol,
		cfg.ImageCacheSize, cfg.MaxThreads, cfg.ReadaheadBuffers,
		humanize.IBytes(uint64(cfg.ReadaheadBufferSize)))
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := ReadConfig(strings.NewReader(defaults))
	if err != nil {
		db.DFatalf("Error default config: %v", err)
	}
	return cfg
}

// Load returns the built-in configuration, overridden by the file named
// in LIBOS_CONFIG when it is set.
func Load() (*Config, error) {
	pn := os.Getenv(LIBOS_CONFIG)
	if pn == "" {
		return Default(), nil
	}
	return ReadConfigFile(pn)
}

func ReadConfigFile(pn string) (*Config, error) {
	f, err := os.Open(pn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig decodes r over the defaults, so a document only needs to
// name the parameters it changes.
func ReadConfig(r io.Reader) (*Config, error) {
	p := &params{}
	if err := yaml.NewDecoder(strings.NewReader(defaults)).Decode(p); err != nil {
		return nil, fmt.Errorf("decode defaults: %v", err)
	}
	if err := yaml.NewDecoder(r).Decode(p); err != nil && err != io.EOF {
		return nil, fmt.Errorf("yaml decode: %v", err)
	}
	cfg, err := p.config()
	if err != nil {
		return nil, err
	}
	db.DPrintf(db.CONFIG, "Config %v", cfg)
	return cfg, nil
}

func (p *params) config() (*Config, error) {
	cfg := &Config{
		StackAlignMargin: p.Loader.STACK_ALIGN_MARGIN,
		SyscallSymbol:    p.Loader.SYSCALL_SYMBOL,
		ImageCacheSize:   p.Loader.IMAGE_CACHE_SIZE,
		MaxThreads:       p.Threads.MAX,
		ReadaheadBuffers: p.Sealfs.READAHEAD_BUFFERS,
	}
	sz, err := humanize.ParseBytes(p.Loader.STACK_SIZE)
	if err != nil {
		return nil, fmt.Errorf("stack_size %q: %v", p.Loader.STACK_SIZE, err)
	}
	cfg.StackSize = sz
	if cfg.StackSize <= cfg.StackAlignMargin {
		return nil, fmt.Errorf("stack_size %v smaller than margin %v", cfg.StackSize, cfg.StackAlignMargin)
	}
	if cfg.SyscallSymbol == "" {
		return nil, fmt.Errorf("empty syscall_symbol")
	}
	if cfg.MaxThreads < 1 {
		return nil, fmt.Errorf("threads.max %v < 1", cfg.MaxThreads)
	}
	rasz, err := humanize.ParseBytes(p.Sealfs.READAHEAD_BUFFER_SIZE)
	if err != nil {
		return nil, fmt.Errorf("readahead_buffer_size %q: %v", p.Sealfs.READAHEAD_BUFFER_SIZE, err)
	}
	cfg.ReadaheadBufferSize = int(rasz)
	key, err := ParseKey(p.Sealfs.KEY)
	if err != nil {
		return nil, err
	}
	cfg.Key = key
	return cfg, nil
}

// ParseKey decodes a hex-encoded 128-bit key.
func ParseKey(s string) ([KEY_LEN]byte, error) {
	var key [KEY_LEN]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("key: %v", err)
	}
	if len(b) != KEY_LEN {
		return key, fmt.Errorf("key: %d bytes, want %d", len(b), KEY_LEN)
	}
	copy(key[:], b)
	return key, nil
}

// SetKey replaces the sealing key with the hex-encoded key s. An empty
// s keeps the configured key.
func (cfg *Config) SetKey(s string) error {
	if s == "" {
		return nil
	}
	key, err := ParseKey(s)
	if err != nil {
		return err
	}
	cfg.Key = key
	return nil
}
