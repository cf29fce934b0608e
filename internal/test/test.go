// Helpers shared by package tests: quiet configs and throwaway sqlite databases removed by
// DBCleanup once the test binary finishes.
package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meow-io/go-identd/config"
	db "github.com/meow-io/go-identd/internal/db"
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

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		if err := os.RemoveAll(f); err != nil {
			panic(err)
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("test-*")
}

// NewTestConfig returns a config whose logs go nowhere.
func NewTestConfig(opts ...config.Option) *config.Config {
	return config.NewConfig(append([]config.Option{config.WithLogWriter(io.Discard)}, opts...)...)
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := newID()
	path := fmt.Sprintf("test-%x.db", id[:])
	d, err := db.Open(c, db.DriverSQLite, path)
	if err != nil {
		panic(err)
	}
	return d
}
