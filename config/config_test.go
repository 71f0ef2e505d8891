package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"libos/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, uint64(32*1024*1024), cfg.StackSize)
	assert.Equal(t, uint64(16), cfg.StackAlignMargin)
	assert.Equal(t, "rusgx_syscall", cfg.SyscallSymbol)
	assert.Equal(t, int64(64), cfg.MaxThreads)
	assert.Equal(t, [config.KEY_LEN]byte{}, cfg.Key)
	assert.Equal(t, 256*1024, cfg.ReadaheadBufferSize)
}

func TestOverride(t *testing.T) {
	cfg, err := config.ReadConfig(strings.NewReader(`
loader:
  stack_size: 1 MiB
threads:
  max: 2
sealfs:
  key: "000102030405060708090a0b0c0d0e0f"
`))
	assert.Nil(t, err)
	assert.Equal(t, uint64(1<<20), cfg.StackSize)
	assert.Equal(t, "rusgx_syscall", cfg.SyscallSymbol, "unset fields keep defaults")
	assert.Equal(t, int64(2), cfg.MaxThreads)
	assert.Equal(t, byte(0x0f), cfg.Key[15])
}

func TestBadConfig(t *testing.T) {
	for _, doc := range []string{
		"loader:\n  stack_size: lots\n",
		"loader:\n  stack_size: 8 B\n",
		"threads:\n  max: 0\n",
		"sealfs:\n  key: abcd\n",
		"loader:\n  syscall_symbol: \"\"\n",
	} {
		_, err := config.ReadConfig(strings.NewReader(doc))
		assert.NotNil(t, err, "doc %q", doc)
	}
}

func TestLoadEnv(t *testing.T) {
	pn := filepath.Join(t.TempDir(), "libos.yaml")
	err := os.WriteFile(pn, []byte("threads:\n  max: 3\n"), 0644)
	assert.Nil(t, err)
	t.Setenv(config.LIBOS_CONFIG, pn)
	cfg, err := config.Load()
	assert.Nil(t, err)
	assert.Equal(t, int64(3), cfg.MaxThreads)
}

func TestSetKey(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, cfg.SetKey(""))
	assert.Equal(t, [config.KEY_LEN]byte{}, cfg.Key)
	assert.Nil(t, cfg.SetKey("ff0102030405060708090a0b0c0d0e0f"))
	assert.Equal(t, byte(0xff), cfg.Key[0])
	assert.Equal(t, byte(0x0f), cfg.Key[15])
	assert.NotNil(t, cfg.SetKey("xyz"))
	assert.Equal(t, byte(0xff), cfg.Key[0], "bad key leaves the old one")
}
