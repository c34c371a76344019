package ingest

import (
	"crypto/sha256"
	"hash"
	"io"
	"os"
)

// spool tees an upload to a temp file while hashing it, so archival
// never needs the whole file in memory.
type spool struct {
	f    *os.File
	h    hash.Hash
	size int64
}

func newSpool() (*spool, error) {
	f, err := os.CreateTemp("", "ingest-upload-*")
	if err != nil {
		return nil, err
	}
	return &spool{f: f, h: sha256.New()}, nil
}

func (sp *spool) Write(p []byte) (int, error) {
	n, err := sp.f.Write(p)
	sp.h.Write(p[:n])
	sp.size += int64(n)
	return n, err
}

// Reader rewinds the spool for archival.
func (sp *spool) Reader() (io.Reader, error) {
	if _, err := sp.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return sp.f, nil
}

func (sp *spool) Sum() []byte { return sp.h.Sum(nil) }

func (sp *spool) Close() error {
	name := sp.f.Name()
	err := sp.f.Close()
	_ = os.Remove(name)
	return err
}
