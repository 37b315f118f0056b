package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/meow-io/go-todevice/config"
	db "github.com/meow-io/go-todevice/internal/db"
)

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
}

func NewConfig(prefix string) *config.Config {
	return config.NewConfig(config.WithLoggingPrefix(prefix), config.WithoutLogFile())
}

// NewTestDatabasePath returns a fresh database file name under the working directory.
func NewTestDatabasePath() string {
	id := newID()
	return fmt.Sprintf("test-%x", id[:])
}

func NewTestDatabase(c *config.Config) *db.Database {
	return OpenTestDatabase(c, NewTestDatabasePath())
}

// OpenTestDatabase opens the database at path, initializing it first if it does not exist yet.
func OpenTestDatabase(c *config.Config, path string) *db.Database {
	d, err := db.NewDatabase(c, path)
	if err != nil {
		panic(err)
	}
	if !d.Initialized() {
		if err := d.Initialize(Key); err != nil {
			panic(err)
		}
	}
	if err := d.Open(Key); err != nil {
		panic(err)
	}
	return d
}
