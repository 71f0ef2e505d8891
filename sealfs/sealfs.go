// The sealfs package reads and writes sealed files: file contents
// encrypted and authenticated under a 128-bit key, chunk by chunk.
//
// Layout: magic, 16-byte salt, then chunks of
// [u32 len][u8 final][12-byte nonce][len bytes of AES-GCM output].
// The chunk index and final flag are bound as additional data, so
// reordered, dropped or truncated chunks fail authentication.
package sealfs

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/readahead"
	"golang.org/x/crypto/hkdf"

	db "libos/debug"
	"libos/serr"
)

const (
	MAGIC      = "LOSSEAL1"
	KEY_LEN    = 16
	SALT_LEN   = 16
	NONCE_LEN  = 12
	CHUNK_SZ   = 64 * 1024
	HDR_LEN    = 4 + 1 + NONCE_LEN
	MAX_CHUNK  = CHUNK_SZ + 16
	kdfContext = "libos sealfs v1"
)

type Tkey [KEY_LEN]byte

func newAEAD(key Tkey, salt []byte) (cipher.AEAD, error) {
	fk := make([]byte, KEY_LEN)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key[:], salt, []byte(kdfContext)), fk); err != nil {
		return nil, err
	}
	blk, err := aes.NewCipher(fk)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

func additionalData(idx uint64, final bool) []byte {
	ad := make([]byte, 9)
	binary.LittleEndian.PutUint64(ad, idx)
	if final {
		ad[8] = 1
	}
	return ad
}

// Seal writes plaintext to w in sealed form.
func Seal(w io.Writer, plaintext []byte, key Tkey) error {
	salt := make([]byte, SALT_LEN)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aead, err := newAEAD(key, salt)
	if err != nil {
		return err
	}
	if _, err := w.Write(append([]byte(MAGIC), salt...)); err != nil {
		return err
	}
	idx := uint64(0)
	for {
		n := len(plaintext)
		if n > CHUNK_SZ {
			n = CHUNK_SZ
		}
		final := n == len(plaintext)
		nonce := make([]byte, NONCE_LEN)
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		ct := aead.Seal(nil, nonce, plaintext[:n], additionalData(idx, final))
		hdr := make([]byte, HDR_LEN)
		binary.LittleEndian.PutUint32(hdr, uint32(len(ct)))
		if final {
			hdr[4] = 1
		}
		copy(hdr[5:], nonce)
		if _, err := w.Write(append(hdr, ct...)); err != nil {
			return err
		}
		plaintext = plaintext[n:]
		idx++
		if final {
			return nil
		}
	}
}

// SealFile writes plaintext to pn in sealed form.
func SealFile(pn string, plaintext []byte, key Tkey) error {
	var buf bytes.Buffer
	if err := Seal(&buf, plaintext, key); err != nil {
		return err
	}
	return os.WriteFile(pn, buf.Bytes(), 0644)
}

// Unseal reads a sealed stream from r and returns its plaintext.
func Unseal(r io.Reader, key Tkey) ([]byte, error) {
	hdr := make([]byte, len(MAGIC)+SALT_LEN)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, serr.NewErrWrap(serr.TErrIO, "sealed header", err)
	}
	if string(hdr[:len(MAGIC)]) != MAGIC {
		return nil, serr.NewErr(serr.TErrIO, "not a sealed file")
	}
	aead, err := newAEAD(key, hdr[len(MAGIC):])
	if err != nil {
		return nil, serr.NewErrWrap(serr.TErrIO, "key", err)
	}
	var out []byte
	ch := make([]byte, HDR_LEN)
	for idx := uint64(0); ; idx++ {
		if _, err := io.ReadFull(r, ch); err != nil {
			return nil, serr.NewErrWrap(serr.TErrIO, fmt.Sprintf("chunk %v header", idx), err)
		}
		n := binary.LittleEndian.Uint32(ch)
		final := ch[4] == 1
		if n > MAX_CHUNK {
			return nil, serr.NewErr(serr.TErrIO, fmt.Sprintf("chunk %v size %v", idx, n))
		}
		ct := make([]byte, n)
		if _, err := io.ReadFull(r, ct); err != nil {
			return nil, serr.NewErrWrap(serr.TErrIO, fmt.Sprintf("chunk %v", idx), err)
		}
		pt, err := aead.Open(ct[:0], ch[5:], ct, additionalData(idx, final))
		if err != nil {
			return nil, serr.NewErrWrap(serr.TErrIO, fmt.Sprintf("chunk %v authentication", idx), err)
		}
		out = append(out, pt...)
		if final {
			return out, nil
		}
	}
}

// OpenAndReadAll reads the sealed file pn and returns its plaintext.
func OpenAndReadAll(pn string, key Tkey) ([]byte, error) {
	return Source{Key: key}.ReadImage(pn)
}

// Source reads sealed images. Reads go through a read-ahead reader so
// decryption of one chunk overlaps the read of the next ones.
type Source struct {
	Key        Tkey
	Buffers    int
	BufferSize int
}

func (src Source) ReadImage(pn string) ([]byte, error) {
	f, err := os.Open(pn)
	if err != nil {
		db.DPrintf(db.SEALFS_ERR, "open %v err %v", pn, err)
		return nil, serr.NewErrWrap(serr.TErrIO, pn, err)
	}
	defer f.Close()
	var ra io.ReadCloser
	if src.Buffers > 0 && src.BufferSize > 0 {
		ra, err = readahead.NewReaderSize(f, src.Buffers, src.BufferSize)
		if err != nil {
			return nil, serr.NewErrWrap(serr.TErrInval, "readahead", err)
		}
	} else {
		ra = readahead.NewReader(f)
	}
	defer ra.Close()
	b, err := Unseal(ra, src.Key)
	if err != nil {
		db.DPrintf(db.SEALFS_ERR, "unseal %v err %v", pn, err)
		return nil, err
	}
	db.DPrintf(db.SEALFS, "ReadImage %v %v", pn, humanize.IBytes(uint64(len(b))))
	return b, nil
}

// PlainSource reads images stored in the clear.
type PlainSource struct{}

func (PlainSource) ReadImage(pn string) ([]byte, error) {
	b, err := os.ReadFile(pn)
	if err != nil {
		return nil, serr.NewErrWrap(serr.TErrIO, pn, err)
	}
	return b, nil
}
